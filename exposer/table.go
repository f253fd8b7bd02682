// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package exposer computes the ordered set of bwrap mount directives that
// expose requested host filesystem paths into a sandbox, per spec.md §4.7
// and §4.8.
package exposer

import "sort"

// Mode is an export mode, totally ordered per spec.md §3:
// Tmpfs < EnsureDir < Symlink < ReadOnlyBind < ReadWriteBind.
type Mode int

const (
	ModeTmpfs Mode = iota
	ModeEnsureDir
	ModeSymlink
	ModeReadOnlyBind
	ModeReadWriteBind
)

func (m Mode) String() string {
	switch m {
	case ModeTmpfs:
		return "tmpfs"
	case ModeEnsureDir:
		return "ensure-dir"
	case ModeSymlink:
		return "symlink"
	case ModeReadOnlyBind:
		return "ro-bind"
	case ModeReadWriteBind:
		return "rw-bind"
	default:
		return "invalid"
	}
}

// Entry is one Export Entry: an absolute host path and its recorded mode.
// For ModeSymlink, Target holds the symlink's own (relative) link text.
type Entry struct {
	Path   string
	Mode   Mode
	Target string
}

// Table is the Export Table of spec.md §3: an ordered map from absolute
// host path to export mode, with the max-merge invariant of Testable
// Property 4.
type Table struct {
	entries map[string]*Entry
}

// NewTable returns an empty Export Table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Add records path at mode, keeping the maximum of any prior mode recorded
// for the same path (spec.md §3 Export Entry invariant). Target is only
// meaningful for ModeSymlink and is kept verbatim whenever mode increases
// to ModeSymlink or is already ModeSymlink and target is being refreshed.
func (t *Table) Add(path string, mode Mode, target string) {
	cur, ok := t.entries[path]
	if !ok {
		t.entries[path] = &Entry{Path: path, Mode: mode, Target: target}
		return
	}
	if mode > cur.Mode {
		cur.Mode = mode
		if mode == ModeSymlink {
			cur.Target = target
		}
	}
}

// Get returns the recorded entry for path, if any.
func (t *Table) Get(path string) (*Entry, bool) {
	e, ok := t.entries[path]
	return e, ok
}

// Sorted returns every Export Entry ordered lexicographically by path
// (spec.md §4.8: "the sorted list of all Export Entries").
func (t *Table) Sorted() []*Entry {
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Ancestor returns the entry, if any, covering a strict ancestor directory
// of path among the already-recorded entries — used by the emitter to
// decide whether a path's "parent is mapped" (spec.md §4.8). An EnsureDir
// ancestor is transparent: callers that need the effective mapping should
// keep walking past it, which is why this returns every matching ancestor
// from nearest to furthest rather than just the nearest.
func (t *Table) Ancestors(path string) []*Entry {
	var out []*Entry
	for _, e := range t.Sorted() {
		if e.Path == path {
			continue
		}
		if isStrictAncestor(e.Path, path) {
			out = append(out, e)
		}
	}
	// Nearest ancestor first: longest path wins.
	sort.Slice(out, func(i, j int) bool { return len(out[i].Path) > len(out[j].Path) })
	return out
}

func isStrictAncestor(ancestor, path string) bool {
	if ancestor == "/" {
		return path != "/"
	}
	return len(path) > len(ancestor) && path[:len(ancestor)] == ancestor && path[len(ancestor)] == '/'
}

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

package exposer

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/snapcore/snapd-xdg-proxy/internal/logger"
)

// maxSymlinkExpansions bounds exposure recursion, the kernel ELOOP bound
// of spec.md §4.7.
const maxSymlinkExpansions = 40

// ErrNotAbsolute is returned (and silently swallowed by the Exposer's
// public add_* operations) for a relative path, spec.md §4.7: "relative
// paths are rejected quietly".
var ErrNotAbsolute = errors.New("exposer: path is not absolute")

// Exposer accumulates Export Entries for one sandbox launch, per spec.md
// §4.7-§4.9.
type Exposer struct {
	Table  *Table
	Config Config
	Root   HostRoot
}

// New creates an Exposer. root may be the zero HostRoot to operate
// directly on the real filesystem root.
func New(cfg Config, root HostRoot) *Exposer {
	return &Exposer{Table: NewTable(), Config: cfg, Root: root}
}

// AddExpose records a bind export (spec.md §4.7 add_expose); mode must be
// ModeReadOnlyBind or ModeReadWriteBind.
func (e *Exposer) AddExpose(mode Mode, absPath string) error {
	if mode != ModeReadOnlyBind && mode != ModeReadWriteBind {
		return fmt.Errorf("exposer: AddExpose mode must be a bind mode, got %v", mode)
	}
	return e.expose(absPath, mode)
}

// AddTmpfs records a tmpfs export (spec.md §4.7 add_tmpfs).
func (e *Exposer) AddTmpfs(absPath string) error {
	return e.expose(absPath, ModeTmpfs)
}

// AddEnsureDir records a directory-existence export (spec.md §4.7
// add_ensure_dir).
func (e *Exposer) AddEnsureDir(absPath string) error {
	return e.expose(absPath, ModeEnsureDir)
}

// expose implements the depth-first exposure walk of spec.md §4.7.
func (e *Exposer) expose(absPath string, mode Mode) error {
	if !path.IsAbs(absPath) {
		return nil // rejected quietly, per spec.md §4.7
	}
	return e.walk(path.Clean(absPath), mode, 0)
}

// walk resolves one absolute, lexically-clean path, following symlinks on
// non-terminal segments and recursing, bounded by maxSymlinkExpansions.
func (e *Exposer) walk(absPath string, mode Mode, depth int) error {
	if depth > maxSymlinkExpansions {
		return fmt.Errorf("exposer: %q exceeds symlink expansion bound", absPath)
	}
	if e.Config.isReserved(absPath) {
		return nil
	}

	segments := splitSegments(absPath)
	cur := "/"
	for i, seg := range segments {
		next := path.Join(cur, seg)
		terminal := i == len(segments)-1

		st, err := e.Root.Lstat(next)
		if err != nil {
			if errors.Is(err, unix.ENOENT) {
				logger.Debugf("exposer: %q does not exist, skipping", next)
				return nil // silently skip, spec.md §7
			}
			return err
		}

		if st.Mode&unix.S_IFMT == unix.S_IFLNK {
			if next == "/tmp" {
				// /tmp is never exposed as a symlink, spec.md §4.7: skip
				// the request rather than resolve or record it as one.
				return nil
			}
			target, err := e.Root.Readlink(next)
			if err != nil {
				return err
			}
			resolved := resolveSymlinkTarget(cur, next, target)
			remainder := path.Join(append([]string{resolved}, segments[i+1:]...)...)
			// Record the symlink itself as an Export Entry (spec.md
			// §4.7 step 4, Testable Scenario S5), then recurse to expose
			// the resolved target at the requested mode, whether or not
			// this was the terminal segment.
			e.Table.Add(next, ModeSymlink, relativeLinkText(next, resolved))
			return e.walk(path.Clean(remainder), mode, depth+1)
		}

		if !terminal {
			if st.Mode&unix.S_IFMT != unix.S_IFDIR {
				return nil // can't descend through a non-directory
			}
			ok, err := e.checkAutofs(next)
			if err != nil {
				return err
			}
			if !ok {
				logger.Debugf("exposer: autofs probe on %q timed out, skipping", next)
				return nil // autofs probe timed out, spec.md §7
			}
			cur = next
			continue
		}

		// Terminal segment: only directory, regular file, socket, or
		// symlink (handled above) are acceptable (spec.md §4.7 step 1).
		switch st.Mode & unix.S_IFMT {
		case unix.S_IFDIR, unix.S_IFREG, unix.S_IFSOCK:
		default:
			return nil
		}
		ok, err := e.checkAutofs(next)
		if err != nil {
			return err
		}
		if !ok {
			logger.Debugf("exposer: autofs probe on %q timed out, skipping", next)
			return nil
		}
		e.Table.Add(next, mode, "")
	}
	return nil
}

// checkAutofs opens path O_PATH and, if it sits on an autofs mount,
// blocks (via probeAutofs) until the probe either confirms it is safe to
// descend or times out.
func (e *Exposer) checkAutofs(absPath string) (bool, error) {
	fd, err := e.Root.OpenPathNoFollow(absPath)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, err
	}
	defer unix.Close(fd)

	autofs, err := isAutofs(fd)
	if err != nil {
		return false, err
	}
	if !autofs {
		return true, nil
	}
	return probeAutofsFunc(absPath), nil
}

// probeAutofsFunc is a seam over probeAutofs so tests can exercise the
// autofs-timeout path without forking a real probe child.
var probeAutofsFunc = probeAutofs

func splitSegments(absPath string) []string {
	if absPath == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(absPath, "/"), "/")
}

// resolveSymlinkTarget computes the absolute path a symlink at linkPath
// (whose containing directory is parentDir) pointing at target resolves
// to.
func resolveSymlinkTarget(parentDir, linkPath, target string) string {
	if path.IsAbs(target) {
		return path.Clean(target)
	}
	return path.Clean(path.Join(parentDir, target))
}

// relativeLinkText computes the link text the emitter should write for a
// Symlink entry: the resolved target expressed relative to the symlink's
// own directory, matching what a real `readlink` would show (spec.md
// Testable Scenario S5's "--symlink var/home /home").
func relativeLinkText(linkPath, resolvedTarget string) string {
	rel, err := filepath.Rel(path.Dir(linkPath), resolvedTarget)
	if err != nil {
		return resolvedTarget
	}
	return rel
}

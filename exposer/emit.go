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
	"golang.org/x/sys/unix"
)

// etcAllowlist is the short list of /etc entries bound under /run/host/etc
// when host-/etc itself is not exposed (spec.md §4.8): the dynamic linker
// cache and the alternatives directory.
var etcAllowlist = []struct {
	path    string
	wantDir bool
}{
	{"/etc/ld.so.cache", false},
	{"/etc/alternatives", true},
}

// Emit produces the deterministic bwrap argv sequence of spec.md §4.8 for
// the current Export Table and host filesystem state.
func (e *Exposer) Emit() []string {
	var argv []string

	entries := e.Table.Sorted()
	for _, entry := range entries {
		switch entry.Mode {
		case ModeSymlink:
			if !e.hasAncestorMapped(entry.Path) {
				argv = append(argv, "--symlink", entry.Target, entry.Path)
			}
		case ModeTmpfs:
			if !e.pathIsRealDir(entry.Path) {
				continue
			}
			if e.hasAncestorMapped(entry.Path) {
				argv = append(argv, "--tmpfs", entry.Path)
			} else {
				argv = append(argv, "--dir", entry.Path)
			}
		case ModeEnsureDir:
			if e.pathIsRealDir(entry.Path) {
				argv = append(argv, "--dir", entry.Path)
			}
		case ModeReadOnlyBind:
			argv = append(argv, "--ro-bind", entry.Path, entry.Path)
		case ModeReadWriteBind:
			argv = append(argv, "--bind", entry.Path, entry.Path)
		}
	}

	argv = append(argv, e.emitUsrMerge()...)
	argv = append(argv, e.emitHostEtc()...)
	argv = append(argv, e.emitOSRelease()...)

	return argv
}

// hasAncestorMapped reports whether any ancestor of path (other than an
// EnsureDir ancestor, which is transparent per spec.md §4.8) is itself
// recorded in the table.
func (e *Exposer) hasAncestorMapped(path string) bool {
	for _, a := range e.Table.Ancestors(path) {
		if a.Mode == ModeEnsureDir {
			continue
		}
		return true
	}
	return false
}

func (e *Exposer) pathIsRealDir(path string) bool {
	st, err := e.Root.Lstat(path)
	if err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFDIR
}

func (e *Exposer) pathExists(path string) bool {
	_, err := e.Root.Lstat(path)
	return err == nil
}

func (e *Exposer) statType(path string) (uint32, bool) {
	st, err := e.Root.Lstat(path)
	if err != nil {
		return 0, false
	}
	return st.Mode & unix.S_IFMT, true
}

// emitUsrMerge emits the host-/usr pass of spec.md §4.8: /usr and
// /var/usrlocal bound into /run/host, and each configured usrmerged
// subdirectory either symlinked or bound the same way.
func (e *Exposer) emitUsrMerge() []string {
	if e.Config.HostUsrMode != HostUsrModeExposed {
		return nil
	}
	var argv []string

	if e.pathExists("/usr") {
		argv = append(argv, "--ro-bind", "/usr", "/run/host/usr")
	}
	if e.pathExists("/var/usrlocal") {
		argv = append(argv, "--ro-bind", "/var/usrlocal", "/run/host/var/usrlocal")
	}

	for _, dir := range e.Config.UsrmergedDirs {
		typ, ok := e.statType(dir)
		if !ok {
			continue
		}
		if typ == unix.S_IFLNK {
			target, err := e.Root.Readlink(dir)
			if err != nil {
				continue
			}
			argv = append(argv, "--symlink", target, "/run/host"+dir)
		} else {
			argv = append(argv, "--ro-bind", dir, "/run/host"+dir)
		}
	}

	if e.Config.HostEtcMode == HostEtcModeNone {
		for _, a := range etcAllowlist {
			typ, ok := e.statType(a.path)
			if !ok {
				continue
			}
			isDir := typ == unix.S_IFDIR
			if isDir != a.wantDir {
				continue
			}
			argv = append(argv, "--ro-bind", a.path, "/run/host"+a.path)
		}
	}

	return argv
}

// emitHostEtc emits the host-/etc bind of spec.md §4.8.
func (e *Exposer) emitHostEtc() []string {
	switch e.Config.HostEtcMode {
	case HostEtcModeReadOnly:
		return []string{"--ro-bind", "/etc", "/run/host/etc"}
	case HostEtcModeReadWrite:
		return []string{"--bind", "/etc", "/run/host/etc"}
	default:
		return nil
	}
}

// emitOSRelease emits the unconditional /run/host/os-release bind of
// spec.md §4.8, falling back to /usr/lib/os-release (Testable Scenario
// S7).
func (e *Exposer) emitOSRelease() []string {
	if e.pathExists("/etc/os-release") {
		return []string{"--ro-bind", "/etc/os-release", "/run/host/os-release"}
	}
	if e.pathExists("/usr/lib/os-release") {
		return []string{"--ro-bind", "/usr/lib/os-release", "/run/host/os-release"}
	}
	return nil
}

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
	"strings"

	"golang.org/x/sys/unix"
)

// HostRoot indirects every filesystem lookup through an optional root file
// descriptor, per spec.md §4.9: "/abs/path" translates to (host_fd,
// "abs/path") relative lookups, except that "/" itself becomes a
// zero-length relative operation on host_fd. A zero-value HostRoot (Fd
// unset) operates directly on "/" with AT_FDCWD, the production case.
type HostRoot struct {
	// Fd is an open descriptor on the root directory to indirect through.
	// Zero means "no indirection": operate on the real root.
	Fd int
	// set distinguishes an explicitly-configured Fd 0 from the zero
	// value meaning "unset".
	set bool
}

// NewHostRoot configures indirection through fd (for hermetic tests).
func NewHostRoot(fd int) HostRoot {
	return HostRoot{Fd: fd, set: true}
}

// ErrEscapesRoot is returned when a symlink resolved under a configured
// HostRoot would leave that root (spec.md §4.9).
var ErrEscapesRoot = errors.New("exposer: symlink target escapes host root")

// relBase returns the (dirfd, relative-path) pair for an absolute path
// under this HostRoot's indirection rule.
func (r HostRoot) relBase(absPath string) (dirfd int, rel string) {
	if !r.set {
		return unix.AT_FDCWD, absPath
	}
	rel = strings.TrimPrefix(absPath, "/")
	if rel == "" {
		rel = "."
	}
	return r.Fd, rel
}

// openBeneath opens absPath under this root, refusing to resolve past the
// root boundary when one is configured (spec.md §4.9). It uses openat2's
// RESOLVE_BENEATH when a HostRoot is set, the only way to reject an
// escaping symlink at the kernel level rather than by string inspection of
// the (already lexically collapsed) path.
func (r HostRoot) openBeneath(absPath string, flags int) (int, error) {
	dirfd, rel := r.relBase(absPath)
	if !r.set {
		return unix.Openat(dirfd, rel, flags, 0)
	}
	how := unix.OpenHow{Flags: uint64(flags), Resolve: unix.RESOLVE_BENEATH | unix.RESOLVE_NO_MAGICLINKS}
	fd, err := unix.Openat2(dirfd, rel, &how)
	if errors.Is(err, unix.EXDEV) || errors.Is(err, unix.ELOOP) {
		return -1, ErrEscapesRoot
	}
	return fd, err
}

// Lstat performs an AT_SYMLINK_NOFOLLOW stat of absPath under this root.
func (r HostRoot) Lstat(absPath string) (unix.Stat_t, error) {
	fd, err := r.openBeneath(absPath, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC)
	var st unix.Stat_t
	if err != nil {
		return st, err
	}
	defer unix.Close(fd)
	err = unix.Fstat(fd, &st)
	return st, err
}

// Readlink reads the link target of absPath (which must itself be a
// symlink) under this root.
func (r HostRoot) Readlink(absPath string) (string, error) {
	fd, err := r.openBeneath(absPath, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC)
	if err != nil {
		return "", err
	}
	defer unix.Close(fd)
	buf := make([]byte, 4096)
	n, err := unix.Readlinkat(fd, "", buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// OpenPathNoFollow opens absPath with O_PATH|O_NOFOLLOW semantics under
// this root, per spec.md §4.7 step 1.
func (r HostRoot) OpenPathNoFollow(absPath string) (int, error) {
	return r.openBeneath(absPath, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC)
}

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

package proxy

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Frame is one fully-decoded message plus the raw bytes it was decoded from
// (so the router can edit header fields in place per spec.md §4.1) and the
// ancillary file descriptors it carried.
//
// A Frame owns Fds exclusively: Close must be called exactly once, on every
// code path, including when a Frame is dropped by policy (spec.md §5
// Resources).
type Frame struct {
	Header *Header
	Raw    []byte
	Fds    []int
}

// Close releases every descriptor the frame owns. Safe to call more than
// once; subsequent calls are no-ops.
func (f *Frame) Close() {
	for _, fd := range f.Fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
	f.Fds = nil
}

// recvFds receives ancillary SCM_RIGHTS data alongside a regular read on a
// unix stream socket. oob is a scratch buffer sized for the expected
// maximum number of descriptors in one recvmsg call.
func recvFds(fd int, p []byte, oob []byte) (n int, fds []int, err error) {
	n, oobn, _, _, err := unix.Recvmsg(fd, p, oob, 0)
	if err != nil {
		return 0, nil, err
	}
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return n, nil, fmt.Errorf("cannot parse ancillary data: %w", err)
		}
		for _, scm := range scms {
			got, err := unix.ParseUnixRights(&scm)
			if err != nil {
				continue
			}
			fds = append(fds, got...)
		}
	}
	return n, fds, nil
}

// sendFds writes p to fd, attaching fds as SCM_RIGHTS ancillary data on the
// first (and only, for our frame sizes) sendmsg call.
func sendFds(fd int, p []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	return unix.Sendmsg(fd, p, oob, nil, 0)
}

// maxFdsPerFrame bounds the ancillary-data scratch buffer. The wire format
// carries the real count in the unix_fds header field; this is only a
// syscall-buffer sizing limit, not a protocol limit.
const maxFdsPerFrame = 254

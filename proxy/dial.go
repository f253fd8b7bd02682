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
	"strings"

	"golang.org/x/sys/unix"
)

// parseUnixAddress extracts the socket path or abstract name from a single
// "unix:key=value,..." address segment of the wire address grammar (spec.md
// §6 "the host bus['s] ... protocol"). Only the two transports xdg-bus
// clients actually use are supported; anything else is a configuration
// error, not a protocol one.
func parseUnixAddress(addr string) (sockAddr unix.Sockaddr, err error) {
	rest, ok := strings.CutPrefix(addr, "unix:")
	if !ok {
		return nil, fmt.Errorf("unsupported bus address transport %q", addr)
	}
	for _, kv := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "path":
			return &unix.SockaddrUnix{Name: v}, nil
		case "abstract":
			return &unix.SockaddrUnix{Name: "@" + v}, nil
		}
	}
	return nil, fmt.Errorf("unix bus address %q has neither path= nor abstract=", addr)
}

// dialBus opens a connected, blocking AF_UNIX/SOCK_STREAM socket to the
// first reachable address in a ';'-separated bus address list.
func dialBus(address string) (int, error) {
	var lastErr error
	for _, addr := range strings.Split(address, ";") {
		sa, err := parseUnixAddress(addr)
		if err != nil {
			lastErr = err
			continue
		}
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			lastErr = err
			continue
		}
		if err := unix.Connect(fd, sa); err != nil {
			unix.Close(fd)
			lastErr = err
			continue
		}
		return fd, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("empty bus address")
	}
	return -1, lastErr
}

// listenSocket creates the proxy's own AF_UNIX/SOCK_STREAM listening
// socket at path, unlinking any stale socket file first (spec.md §6).
func listenSocket(path string) (int, error) {
	unix.Unlink(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

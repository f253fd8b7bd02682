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

import "strings"

// reservedPaths is the always-rejected set of spec.md §4.7: "/usr, /etc,
// /app, /dev, /proc".
var reservedPaths = []string{"/usr", "/etc", "/app", "/dev", "/proc"}

// Config carries the exposer-wide settings that are fixed for the
// lifetime of one run: the usrmerged directory list and the host-/usr and
// host-/etc modes of spec.md §4.7/§4.8.
type Config struct {
	// UsrmergedDirs names top-level directories that are symlinks into
	// /usr on a merged-/usr host (e.g. /lib, /lib64, /bin, /sbin).
	// Requests under any of them are rejected exactly like the reserved
	// set (spec.md §4.7), and they additionally drive the §4.8 usr-mode
	// emission.
	UsrmergedDirs []string

	HostUsrMode HostUsrMode
	HostEtcMode HostEtcMode
}

// HostUsrMode controls whether /usr is exposed into /run/host/usr and its
// associated usrmerge handling (spec.md §4.8). HostEtcModeNone means the
// host-/usr pass is skipped entirely.
type HostUsrMode int

const (
	HostUsrModeNone HostUsrMode = iota
	HostUsrModeExposed
)

// HostEtcMode controls whether /etc itself is bound into /run/host/etc, or
// whether only the fallback allowlist is bound (spec.md §4.8).
type HostEtcMode int

const (
	HostEtcModeNone HostEtcMode = iota
	HostEtcModeReadOnly
	HostEtcModeReadWrite
)

// isReserved reports whether path is under one of the always-rejected
// paths or a configured usrmerged directory (spec.md §4.7).
func (c *Config) isReserved(path string) bool {
	for _, r := range reservedPaths {
		if path == r || strings.HasPrefix(path, r+"/") {
			return true
		}
	}
	for _, d := range c.UsrmergedDirs {
		if path == d || strings.HasPrefix(path, d+"/") {
			return true
		}
	}
	return false
}

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
	"errors"
	"fmt"
)

// State is the Session State Machine of spec.md §4.3.
type State int

const (
	StatePreAuthFirstByte State = iota
	StatePreAuth
	StateAuthenticatedUnfiltered
	StateAuthenticatedFiltered
)

// maxAuthBuffer is the accumulated-auth cap of spec.md §4.3.
const maxAuthBuffer = 16 * 1024

// ErrAuthBufferTooLarge and ErrAuthLineInvalid are returned by AuthScanner
// and cause connection close per spec.md §4.3, §7.
var (
	ErrAuthBufferTooLarge = errors.New("auth line buffer exceeded 16 KiB cap")
	ErrAuthLineInvalid    = errors.New("invalid auth line")
)

// AuthScanner accumulates client bytes during SASL authentication and
// detects the end-of-auth "BEGIN" line, per spec.md §4.3.
type AuthScanner struct {
	buf  []byte
	done bool
	// Trailing holds bytes received after BEGIN in the same recv; these
	// are the start of the framed protocol and must be replayed into the
	// Decoder once authentication completes.
	Trailing []byte
}

// Feed appends newly received bytes and scans for complete \r\n-terminated
// lines. It returns true once a BEGIN line has been found; any bytes past
// BEGIN's line terminator are captured in Trailing.
func (a *AuthScanner) Feed(b []byte) (done bool, err error) {
	if a.done {
		return true, nil
	}
	a.buf = append(a.buf, b...)
	if len(a.buf) > maxAuthBuffer {
		return false, ErrAuthBufferTooLarge
	}
	for {
		idx := indexCRLF(a.buf)
		if idx < 0 {
			return false, nil
		}
		line := a.buf[:idx]
		rest := a.buf[idx+2:]
		if err := validateAuthLine(line); err != nil {
			return false, err
		}
		if isBeginLine(line) {
			a.done = true
			a.Trailing = append([]byte(nil), rest...)
			return true, nil
		}
		a.buf = rest
	}
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// validateAuthLine enforces spec.md §4.3: ASCII, begins with an uppercase
// letter, no control characters.
func validateAuthLine(line []byte) error {
	if len(line) == 0 {
		return fmt.Errorf("%w: empty line", ErrAuthLineInvalid)
	}
	if line[0] < 'A' || line[0] > 'Z' {
		return fmt.Errorf("%w: does not start with an uppercase letter", ErrAuthLineInvalid)
	}
	for _, b := range line {
		if b >= 0x80 {
			return fmt.Errorf("%w: non-ASCII byte", ErrAuthLineInvalid)
		}
		if b < 0x20 {
			return fmt.Errorf("%w: control character", ErrAuthLineInvalid)
		}
	}
	return nil
}

// isBeginLine reports whether line's first token is "BEGIN" followed by
// end-of-line, space, or tab (spec.md §4.3). Trailing space/tab acceptance
// is preserved deliberately per spec.md §9 Open Questions: do not tighten.
func isBeginLine(line []byte) bool {
	const tok = "BEGIN"
	if len(line) < len(tok) || string(line[:len(tok)]) != tok {
		return false
	}
	if len(line) == len(tok) {
		return true
	}
	c := line[len(tok)]
	return c == ' ' || c == '\t'
}

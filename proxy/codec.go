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

	"golang.org/x/sys/unix"
)

// Decoder assembles frames off one direction of a connection. Per spec.md
// §4.1 it operates in two phases: accumulate the fixed 16-byte prelude,
// then accumulate the body sized from it. Reads are non-blocking; Poll is
// meant to be called once per readability event and returns (nil, false,
// nil) when a full frame has not yet arrived.
type Decoder struct {
	fd  int
	buf []byte
	fds []int

	total int // total frame length once known from the prelude, else -1
}

// NewDecoder wraps a raw, non-blocking socket descriptor.
func NewDecoder(fd int) *Decoder {
	return &Decoder{fd: fd, total: -1}
}

// ErrConnClosed is returned by Poll when the peer has performed an orderly
// shutdown (a zero-length read).
var ErrConnClosed = errors.New("connection closed")

// Poll performs one non-blocking recvmsg and, if it completes a frame,
// returns it. ok is false both when more data is needed and when there was
// nothing to read (EAGAIN); callers distinguish "need more" from "nothing
// happened" only by inspecting err, which is nil in both cases.
func (d *Decoder) Poll() (frame *Frame, ok bool, err error) {
	var scratch [4096]byte
	oob := make([]byte, unix.CmsgSpace(4*maxFdsPerFrame))

	n, fds, err := recvFds(d.fd, scratch[:], oob)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if n == 0 && len(fds) == 0 {
		return nil, false, ErrConnClosed
	}
	d.buf = append(d.buf, scratch[:n]...)
	d.fds = append(d.fds, fds...)

	if d.total < 0 && len(d.buf) >= HeaderLen {
		h, err := ParseHeader(d.buf)
		if err != nil {
			return nil, false, err
		}
		order, _ := h.Endian.ByteOrder()
		arrayLen := order.Uint32(d.buf[12:16])
		fieldsEnd := align(HeaderLen+int(arrayLen), 8)
		d.total = fieldsEnd + int(h.BodyLength)
	}

	if d.total < 0 || len(d.buf) < d.total {
		return nil, false, nil
	}

	raw := d.buf[:d.total]
	leftover := append([]byte(nil), d.buf[d.total:]...)

	h, err := ParseHeader(raw)
	if err != nil {
		return nil, false, err
	}
	if _, err := h.ParseFields(raw); err != nil {
		return nil, false, err
	}

	if uint32(len(d.fds)) < h.UnixFDs {
		return nil, false, fmt.Errorf("%w: expected %d file descriptors, got %d", ErrMalformed, h.UnixFDs, len(d.fds))
	}
	claimed := d.fds[:h.UnixFDs]
	remaining := d.fds[h.UnixFDs:]
	// Close any fds claimed by nobody; a conforming peer never sends more
	// than unix_fds declares, but fail safe rather than leak.
	for _, fd := range remaining {
		unix.Close(fd)
	}

	d.buf = leftover
	d.fds = nil
	d.total = -1

	return &Frame{Header: h, Raw: raw, Fds: claimed}, true, nil
}

// Prime seeds the decoder with bytes already read during SASL
// authentication (the trailing bytes of a recv that ran past the BEGIN
// line's terminator, spec.md §4.3) so they are not lost when the
// connection switches from byte passthrough to framed decoding.
func (d *Decoder) Prime(b []byte) {
	d.buf = append(d.buf, b...)
}

// WriteFrame sends a frame verbatim, including its attached descriptors.
// It does not retry on partial writes of large bodies; frames produced or
// forwarded by this proxy are small control-plane messages, and a send
// failure here is treated the same as any other write error: the
// connection is torn down, matching spec.md §5's single-frame-per-callback
// model.
func WriteFrame(fd int, f *Frame) error {
	return sendFds(fd, f.Raw, f.Fds)
}

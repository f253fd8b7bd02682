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

import "encoding/binary"

// builder assembles a complete wire frame from scratch. It is only used
// for messages the proxy itself originates: synthesized AddMatch,
// GetNameOwner, ListNames, Ping calls toward the bus (spec.md §4.5, §4.6),
// and synthesized ERROR/RETURN replies toward the client (spec.md §4.4).
type builder struct {
	msgType     MessageType
	flags       byte
	serial      uint32
	path        string
	iface       string
	member      string
	errorName   string
	replySerial uint32
	hasReply    bool
	destination string
	signature   string
	body        []byte
}

func newBuilder(msgType MessageType, serial uint32) *builder {
	return &builder{msgType: msgType, serial: serial}
}

func (b *builder) withPath(p string) *builder      { b.path = p; return b }
func (b *builder) withInterface(i string) *builder  { b.iface = i; return b }
func (b *builder) withMember(m string) *builder     { b.member = m; return b }
func (b *builder) withDestination(d string) *builder { b.destination = d; return b }
func (b *builder) withErrorName(e string) *builder  { b.errorName = e; return b }
func (b *builder) withReplySerial(s uint32) *builder {
	b.replySerial = s
	b.hasReply = true
	return b
}
func (b *builder) withFlags(f byte) *builder { b.flags = f; return b }
func (b *builder) withBody(signature string, body []byte) *builder {
	b.signature, b.body = signature, body
	return b
}

// build serializes the message using little-endian byte order; the proxy
// always speaks little-endian on messages it originates itself.
func (b *builder) build() []byte {
	order := binary.LittleEndian

	fw := newWriter(order)
	putField := func(code byte, sig string, enc func()) {
		fw.alignTo(8)
		fw.putByte(code)
		fw.putSignature(sig)
		enc()
	}
	if b.path != "" {
		putField(fieldPath, "o", func() { fw.putString(b.path) })
	}
	if b.iface != "" {
		putField(fieldInterface, "s", func() { fw.putString(b.iface) })
	}
	if b.member != "" {
		putField(fieldMember, "s", func() { fw.putString(b.member) })
	}
	if b.errorName != "" {
		putField(fieldErrorName, "s", func() { fw.putString(b.errorName) })
	}
	if b.hasReply {
		putField(fieldReplySerial, "u", func() { fw.putUint32(b.replySerial) })
	}
	if b.destination != "" {
		putField(fieldDestination, "s", func() { fw.putString(b.destination) })
	}
	if b.signature != "" {
		putField(fieldSignature, "g", func() { fw.putSignature(b.signature) })
	}
	fields := fw.bytes()

	out := make([]byte, HeaderLen)
	out[0] = byte(LittleEndian)
	out[1] = byte(b.msgType)
	out[2] = b.flags
	out[3] = 1
	order.PutUint32(out[4:8], uint32(len(b.body)))
	order.PutUint32(out[8:12], b.serial)
	order.PutUint32(out[12:16], uint32(len(fields)))
	out = append(out, fields...)
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	out = append(out, b.body...)
	return out
}

// frame is a convenience wrapper turning build() output into a parsed
// *Frame (re-parsing its own output keeps one code path responsible for
// field-offset bookkeeping used by RewriteSerial/RewriteReplySerial).
func (b *builder) frame() *Frame {
	raw := b.build()
	h, err := ParseHeader(raw)
	if err != nil {
		panic("proxy: self-built frame failed to parse: " + err.Error())
	}
	if _, err := h.ParseFields(raw); err != nil {
		panic("proxy: self-built frame failed to parse: " + err.Error())
	}
	return &Frame{Header: h, Raw: raw}
}

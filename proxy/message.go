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

	"github.com/godbus/dbus/v5"
)

// MessageType mirrors dbus.MessageType; kept as our own type so Header does
// not need to import godbus's message representation, only its constants.
type MessageType byte

const (
	TypeInvalid    MessageType = 0
	TypeMethodCall MessageType = MessageType(dbus.TypeMethodCall)
	TypeReturn     MessageType = MessageType(dbus.TypeMethodReply)
	TypeError      MessageType = MessageType(dbus.TypeError)
	TypeSignal     MessageType = MessageType(dbus.TypeSignal)
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "call"
	case TypeReturn:
		return "return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// HeaderField codes, matching the wire protocol (and godbus's numbering).
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

// Flags, matching the wire protocol bit positions.
const (
	FlagNoReplyExpected byte = 1 << 0
	FlagNoAutoStart     byte = 1 << 1
)

// busLocalInterface and busLocalPath are reserved; a CALL or SIGNAL
// claiming them is malformed (spec.md §4.1(4), Header invariants in §3).
const (
	busLocalInterface = "org.freedesktop.DBus.Local"
	busLocalPath      = "/org/freedesktop/DBus/Local"
)

// BusName is the bus's own well-known name, implicitly TALK (spec.md §4.2).
const BusName = "org.freedesktop.DBus"

// Header is the parsed form of a frame's 16-byte prelude plus its header
// field array, per spec.md §3.
type Header struct {
	Endian      Endian
	Type        MessageType
	Flags       byte
	BodyLength  uint32
	Serial      uint32
	Path        string
	HasPath     bool
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	HasReply    bool
	Destination string
	Sender      string
	Signature   string
	UnixFDs     uint32

	// serialOffset within the raw buffer of the 4-byte serial field, and
	// of the reply_serial field's value if present. The router edits
	// these in place (spec.md §4.1) rather than re-serializing.
	serialFieldOffset      int
	replySerialValueOffset int

	// BodyStart is the buffer offset where the message body begins,
	// filled in by ParseFields.
	BodyStart int
}

// HeaderLen is the fixed prelude length before the header field array.
const HeaderLen = 16

// ParseHeader decodes the 16-byte prelude. It does not look at the header
// field array; call ParseFields for that once enough of the buffer (prelude
// plus body-length-derived array) has arrived.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("%w: short prelude", ErrMalformed)
	}
	h := &Header{Endian: Endian(buf[0])}
	order, err := h.Endian.ByteOrder()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	h.Type = MessageType(buf[1])
	h.Flags = buf[2]
	if buf[3] != 1 {
		return nil, fmt.Errorf("%w: unsupported protocol major version %d", ErrMalformed, buf[3])
	}
	h.BodyLength = order.Uint32(buf[4:8])
	h.Serial = order.Uint32(buf[8:12])
	h.serialFieldOffset = 8
	if h.Serial == 0 {
		return nil, fmt.Errorf("%w: zero serial", ErrMalformed)
	}
	// buf[12:16] is the header-field-array length; the caller uses it to
	// know how much more to read before calling ParseFields.
	return h, nil
}

// ParseFields decodes the header field array that follows the 16-byte
// prelude, given the full frame buffer (prelude + fields + padding + body).
// bodyStart is filled in with the offset where the body begins.
func (h *Header) ParseFields(buf []byte) (bodyStart int, err error) {
	order, err := h.Endian.ByteOrder()
	if err != nil {
		return 0, err
	}
	r := newReader(buf, order)
	r.pos = 12
	arrayLen, err := r.uint32()
	if err != nil {
		return 0, err
	}
	if err := r.alignTo(8); err != nil {
		return 0, err
	}
	end := r.pos + int(arrayLen)
	if end > len(buf) {
		return 0, fmt.Errorf("%w: header field array runs past buffer", ErrMalformed)
	}
	for r.pos < end {
		if err := r.alignTo(8); err != nil {
			return 0, err
		}
		if r.pos >= end {
			break
		}
		code, err := r.byte()
		if err != nil {
			return 0, err
		}
		sig, err := r.signature()
		if err != nil {
			return 0, err
		}
		switch code {
		case fieldPath:
			if sig != "o" {
				return 0, fmt.Errorf("%w: path field has signature %q", ErrMalformed, sig)
			}
			v, err := r.string()
			if err != nil {
				return 0, err
			}
			h.Path, h.HasPath = v, true
		case fieldInterface:
			if sig != "s" {
				return 0, fmt.Errorf("%w: interface field has signature %q", ErrMalformed, sig)
			}
			if h.Interface, err = r.string(); err != nil {
				return 0, err
			}
		case fieldMember:
			if sig != "s" {
				return 0, fmt.Errorf("%w: member field has signature %q", ErrMalformed, sig)
			}
			if h.Member, err = r.string(); err != nil {
				return 0, err
			}
		case fieldErrorName:
			if sig != "s" {
				return 0, fmt.Errorf("%w: error_name field has signature %q", ErrMalformed, sig)
			}
			if h.ErrorName, err = r.string(); err != nil {
				return 0, err
			}
		case fieldReplySerial:
			if sig != "u" {
				return 0, fmt.Errorf("%w: reply_serial field has signature %q", ErrMalformed, sig)
			}
			if err := r.alignTo(4); err != nil {
				return 0, err
			}
			h.replySerialValueOffset = r.pos
			if h.ReplySerial, err = r.uint32(); err != nil {
				return 0, err
			}
			h.HasReply = true
		case fieldDestination:
			if sig != "s" {
				return 0, fmt.Errorf("%w: destination field has signature %q", ErrMalformed, sig)
			}
			if h.Destination, err = r.string(); err != nil {
				return 0, err
			}
		case fieldSender:
			if sig != "s" {
				return 0, fmt.Errorf("%w: sender field has signature %q", ErrMalformed, sig)
			}
			if h.Sender, err = r.string(); err != nil {
				return 0, err
			}
		case fieldSignature:
			if sig != "g" {
				return 0, fmt.Errorf("%w: signature field has signature %q", ErrMalformed, sig)
			}
			if h.Signature, err = r.signature(); err != nil {
				return 0, err
			}
		case fieldUnixFDs:
			if sig != "u" {
				return 0, fmt.Errorf("%w: unix_fds field has signature %q", ErrMalformed, sig)
			}
			if h.UnixFDs, err = r.uint32(); err != nil {
				return 0, err
			}
		default:
			// Fail-closed: unrecognized header-field keys abort parsing
			// (spec.md §4.1(3), §7).
			return 0, fmt.Errorf("%w: unknown header field code %d", ErrMalformed, code)
		}
	}
	if r.pos != end {
		return 0, fmt.Errorf("%w: header field array length mismatch", ErrMalformed)
	}
	if err := r.alignTo(8); err != nil {
		return 0, err
	}
	if err := h.validate(); err != nil {
		return 0, err
	}
	h.BodyStart = r.pos
	return r.pos, nil
}

// validate enforces the by-type invariants of spec.md §3 plus the reserved
// local interface/path check of §4.1(4).
func (h *Header) validate() error {
	switch h.Type {
	case TypeMethodCall:
		if !h.HasPath || h.Member == "" {
			return fmt.Errorf("%w: CALL missing path or member", ErrMalformed)
		}
		if h.Interface == busLocalInterface || h.Path == busLocalPath {
			return fmt.Errorf("%w: CALL references reserved local interface/path", ErrMalformed)
		}
	case TypeReturn:
		if !h.HasReply {
			return fmt.Errorf("%w: RETURN missing reply_serial", ErrMalformed)
		}
	case TypeError:
		if h.ErrorName == "" || !h.HasReply {
			return fmt.Errorf("%w: ERROR missing error_name or reply_serial", ErrMalformed)
		}
	case TypeSignal:
		if !h.HasPath || h.Interface == "" || h.Member == "" {
			return fmt.Errorf("%w: SIGNAL missing path, interface or member", ErrMalformed)
		}
		if h.Interface == busLocalInterface || h.Path == busLocalPath {
			return fmt.Errorf("%w: SIGNAL references reserved local interface/path", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown message type %d", ErrMalformed, h.Type)
	}
	return nil
}

// RewriteSerial edits the serial field in place, respecting the frame's own
// endianness, per spec.md §4.1.
func (h *Header) RewriteSerial(buf []byte, serial uint32) error {
	order, err := h.Endian.ByteOrder()
	if err != nil {
		return err
	}
	order.PutUint32(buf[h.serialFieldOffset:h.serialFieldOffset+4], serial)
	h.Serial = serial
	return nil
}

// RewriteReplySerial edits the reply_serial field value in place. The
// header must have HasReply set (the field must already be present in the
// buffer; the proxy never adds or removes header fields).
func (h *Header) RewriteReplySerial(buf []byte, serial uint32) error {
	if !h.HasReply {
		return fmt.Errorf("header has no reply_serial field to rewrite")
	}
	order, err := h.Endian.ByteOrder()
	if err != nil {
		return err
	}
	order.PutUint32(buf[h.replySerialValueOffset:h.replySerialValueOffset+4], serial)
	h.ReplySerial = serial
	return nil
}

// IsBusDestination reports whether the message targets the bus itself
// (spec.md §4.2: destination "org.freedesktop.DBus" or no destination).
func (h *Header) IsBusDestination() bool {
	return h.Destination == "" || h.Destination == BusName
}

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
	. "gopkg.in/check.v1"
)

type messageSuite struct{}

var _ = Suite(&messageSuite{})

func (s *messageSuite) TestMessageTypeString(c *C) {
	c.Check(TypeMethodCall.String(), Equals, "call")
	c.Check(TypeReturn.String(), Equals, "return")
	c.Check(TypeError.String(), Equals, "error")
	c.Check(TypeSignal.String(), Equals, "signal")
	c.Check(MessageType(99).String(), Equals, "invalid")
}

func (s *messageSuite) TestParseHeaderAndFieldsRoundTrip(c *C) {
	f := newGetNameOwner(7, "org.example.Foo")

	c.Check(f.Header.Type, Equals, TypeMethodCall)
	c.Check(f.Header.Serial, Equals, uint32(7))
	c.Check(f.Header.Destination, Equals, BusName)
	c.Check(f.Header.Path, Equals, "/org/freedesktop/DBus")
	c.Check(f.Header.Interface, Equals, BusName)
	c.Check(f.Header.Member, Equals, "GetNameOwner")
	c.Check(f.Header.Signature, Equals, "s")

	arg0, ok := f.FirstArgString()
	c.Assert(ok, Equals, true)
	c.Check(arg0, Equals, "org.example.Foo")
}

func (s *messageSuite) TestParseHeaderRejectsShortPrelude(c *C) {
	_, err := ParseHeader(make([]byte, 10))
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*short prelude.*")
}

func (s *messageSuite) TestParseHeaderRejectsUnsupportedVersion(c *C) {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(LittleEndian)
	buf[1] = byte(TypeMethodCall)
	buf[3] = 2 // unsupported protocol version
	_, err := ParseHeader(buf)
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*unsupported protocol major version.*")
}

func (s *messageSuite) TestParseHeaderRejectsZeroSerial(c *C) {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(LittleEndian)
	buf[1] = byte(TypeMethodCall)
	buf[3] = 1
	_, err := ParseHeader(buf)
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*zero serial.*")
}

func (s *messageSuite) TestValidateRejectsCallMissingMember(c *C) {
	raw := newBuilder(TypeMethodCall, 1).withPath("/x").build()
	h, err := ParseHeader(raw)
	c.Assert(err, IsNil)
	_, err = h.ParseFields(raw)
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*CALL missing path or member.*")
}

func (s *messageSuite) TestValidateRejectsReservedLocalInterface(c *C) {
	raw := newBuilder(TypeMethodCall, 1).
		withPath("/x").withInterface("org.freedesktop.DBus.Local").withMember("Foo").build()
	h, err := ParseHeader(raw)
	c.Assert(err, IsNil)
	_, err = h.ParseFields(raw)
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*reserved local interface.*")
}

func (s *messageSuite) TestValidateRejectsReturnMissingReplySerial(c *C) {
	raw := newBuilder(TypeReturn, 1).build()
	h, err := ParseHeader(raw)
	c.Assert(err, IsNil)
	_, err = h.ParseFields(raw)
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*RETURN missing reply_serial.*")
}

func (s *messageSuite) TestValidateRejectsErrorMissingErrorName(c *C) {
	raw := newBuilder(TypeError, 1).withReplySerial(3).build()
	h, err := ParseHeader(raw)
	c.Assert(err, IsNil)
	_, err = h.ParseFields(raw)
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*ERROR missing error_name.*")
}

func (s *messageSuite) TestParseFieldsRejectsUnknownFieldCode(c *C) {
	raw := newBuilder(TypeMethodCall, 1).withPath("/x").withMember("Foo").build()
	// Header field array starts right after the fixed 16-byte prelude; the
	// first field's code byte sits at offset 16.
	raw[16] = 200 // no such header field code
	h, err := ParseHeader(raw)
	c.Assert(err, IsNil)
	_, err = h.ParseFields(raw)
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*unknown header field code.*")
}

func (s *messageSuite) TestRewriteSerial(c *C) {
	f := newGetNameOwner(7, "org.example.Foo")
	c.Assert(f.Header.RewriteSerial(f.Raw, 99), IsNil)
	c.Check(f.Header.Serial, Equals, uint32(99))

	h, err := ParseHeader(f.Raw)
	c.Assert(err, IsNil)
	c.Check(h.Serial, Equals, uint32(99))
}

func (s *messageSuite) TestRewriteReplySerial(c *C) {
	f := newErrorReply(5, 3, ErrAccessDenied, "nope")
	c.Assert(f.Header.RewriteReplySerial(f.Raw, 77), IsNil)
	c.Check(f.Header.ReplySerial, Equals, uint32(77))

	h, err := ParseHeader(f.Raw)
	c.Assert(err, IsNil)
	_, err = h.ParseFields(f.Raw)
	c.Assert(err, IsNil)
	c.Check(h.ReplySerial, Equals, uint32(77))
}

func (s *messageSuite) TestRewriteReplySerialWithoutFieldFails(c *C) {
	f := newPing(1, 0)
	err := f.Header.RewriteReplySerial(f.Raw, 5)
	c.Assert(err, NotNil)
}

func (s *messageSuite) TestIsBusDestination(c *C) {
	h := &Header{Destination: ""}
	c.Check(h.IsBusDestination(), Equals, true)
	h.Destination = BusName
	c.Check(h.IsBusDestination(), Equals, true)
	h.Destination = "org.example.Foo"
	c.Check(h.IsBusDestination(), Equals, false)
}

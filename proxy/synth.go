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

// Well-known D-Bus error names the router synthesizes, spec.md §4.4.
const (
	ErrServiceUnknown  = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameHasNoOwner  = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrAccessDenied    = "org.freedesktop.DBus.Error.AccessDenied"
)

// newErrorReply builds a synthetic ERROR frame in reply to replySerial,
// with the conventional single-string-argument body D-Bus errors carry.
func newErrorReply(serial, replySerial uint32, errorName, message string) *Frame {
	w := newWriter_le()
	w.putString(message)
	return newBuilder(TypeError, serial).
		withErrorName(errorName).
		withReplySerial(replySerial).
		withBody("s", w.bytes()).
		frame()
}

// newBoolReply builds a synthetic RETURN frame with a single boolean body
// argument, used for NameHasOwner's false reply (spec.md §4.4).
func newBoolReply(serial, replySerial uint32, v bool) *Frame {
	w := newWriter_le()
	w.putBool(v)
	return newBuilder(TypeReturn, serial).
		withReplySerial(replySerial).
		withBody("b", w.bytes()).
		frame()
}

// newStringArrayReply builds a synthetic RETURN frame with a single
// array-of-string body argument, used for the filtered ListNames /
// ListActivatableNames reply (spec.md §4.4).
func newStringArrayReply(serial, replySerial uint32, names []string) *Frame {
	w := newWriter_le()
	w.putStringArray(names)
	return newBuilder(TypeReturn, serial).
		withReplySerial(replySerial).
		withBody("as", w.bytes()).
		frame()
}

func newWriter_le() *writer { //nolint:revive // matches wire.go naming, little-endian only
	return newWriter(leOrder)
}

// callToBus builds a CALL frame destined for the bus itself, for the
// synthesized startup operations and round-trip placeholder of spec.md
// §4.5/§4.6. serial is the proxy-assigned outgoing serial.
func callToBus(serial uint32, member string, signature string, body []byte) *Frame {
	return newBuilder(TypeMethodCall, serial).
		withDestination(BusName).
		withPath("/org/freedesktop/DBus").
		withInterface(BusName).
		withMember(member).
		withBody(signature, body).
		frame()
}

func addMatchRule(name string, subtree bool) string {
	arg0 := "arg0='" + name + "'"
	if subtree {
		arg0 = "arg0namespace='" + name + "'"
	}
	return "type='signal',sender='" + BusName + "',interface='" + BusName +
		"',member='NameOwnerChanged'," + arg0
}

// newAddMatch builds the synthesized AddMatch call of spec.md §4.5.
func newAddMatch(serial uint32, name string, subtree bool) *Frame {
	w := newWriter_le()
	w.putString(addMatchRule(name, subtree))
	return callToBus(serial, "AddMatch", "s", w.bytes())
}

// newGetNameOwner builds the synthesized GetNameOwner call of spec.md §4.5.
func newGetNameOwner(serial uint32, name string) *Frame {
	w := newWriter_le()
	w.putString(name)
	return callToBus(serial, "GetNameOwner", "s", w.bytes())
}

// newListNames builds the synthesized ListNames call of spec.md §4.5.
func newListNames(serial uint32) *Frame {
	return callToBus(serial, "ListNames", "", nil)
}

// newPing builds the round-trip placeholder of spec.md §4.6, keeping the
// client-assigned serial and flags so the bus's serial ordering is
// preserved across the substitution.
func newPing(serial uint32, flags byte) *Frame {
	return newBuilder(TypeMethodCall, serial).
		withFlags(flags).
		withDestination(BusName).
		withPath("/org/freedesktop/DBus").
		withInterface(BusName).
		withMember("Ping").
		frame()
}

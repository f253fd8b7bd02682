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
	"encoding/binary"

	. "gopkg.in/check.v1"
)

type routerSuite struct{}

var _ = Suite(&routerSuite{})

func busCall(serial uint32, member string) *builder {
	return newBuilder(TypeMethodCall, serial).
		withDestination(BusName).
		withPath("/org/freedesktop/DBus").
		withInterface(BusName).
		withMember(member)
}

func replyFrame(msgType MessageType, serial, replySerial uint32, sig string, body []byte) *Frame {
	raw := newBuilder(msgType, serial).withReplySerial(replySerial).withBody(sig, body).build()
	h, err := ParseHeader(raw)
	if err != nil {
		panic(err)
	}
	if _, err := h.ParseFields(raw); err != nil {
		panic(err)
	}
	return &Frame{Header: h, Raw: raw}
}

// Testable Scenario S1: a CALL to a destination with no policy produces a
// Ping round-trip placeholder toward the bus and a stashed ServiceUnknown
// error for the client.
func (s *routerSuite) TestS1HiddenDestinationProducesPingAndServiceUnknown(c *C) {
	store := NewStore(nil)
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	f := newBuilder(TypeMethodCall, 5).
		withPath("/x").withInterface("org.example.Hidden").withMember("DoThing").
		withDestination("org.example.Hidden").frame()

	d := rt.RouteClientToBus(f)
	c.Check(d.Drop, Equals, false)
	c.Assert(d.ToBus, HasLen, 1)
	c.Check(d.ToBus[0].Header.Member, Equals, "Ping")
	c.Check(d.ToBus[0].Header.Serial, Equals, uint32(5))

	synthetic, ok := sess.TakeRewrite(5)
	c.Assert(ok, Equals, true)
	c.Check(synthetic.Header.ErrorName, Equals, ErrServiceUnknown)
}

// A unique-id destination with no policy instead gets NameHasNoOwner, per
// spec.md §4.4.
func (s *routerSuite) TestUniqueIDDestinationWithNoPolicyIsNameHasNoOwner(c *C) {
	store := NewStore(nil)
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	f := newBuilder(TypeMethodCall, 5).
		withPath("/x").withInterface("org.example.Hidden").withMember("DoThing").
		withDestination(":1.99").frame()

	d := rt.RouteClientToBus(f)
	c.Assert(d.ToBus, HasLen, 1)
	synthetic, ok := sess.TakeRewrite(5)
	c.Assert(ok, Equals, true)
	c.Check(synthetic.Header.ErrorName, Equals, ErrNameHasNoOwner)
}

// Testable Scenario S2: an AddMatch carrying eavesdrop=true is rejected.
func (s *routerSuite) TestS2AddMatchEavesdropRejected(c *C) {
	store := NewStore(nil)
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	w := newWriter(binary.LittleEndian)
	w.putString("eavesdrop=true,interface='com.foo'")
	f := busCall(3, "AddMatch").withBody("s", w.bytes()).frame()

	d := rt.RouteClientToBus(f)
	c.Assert(d.ToBus, HasLen, 1)
	synthetic, ok := sess.TakeRewrite(3)
	c.Assert(ok, Equals, true)
	c.Check(synthetic.Header.ErrorName, Equals, ErrAccessDenied)
}

func (s *routerSuite) TestOrdinaryAddMatchIsForwarded(c *C) {
	store := NewStore(nil)
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	w := newWriter(binary.LittleEndian)
	w.putString("type='signal'")
	f := busCall(3, "AddMatch").withBody("s", w.bytes()).frame()

	d := rt.RouteClientToBus(f)
	c.Check(d.Forward, Equals, true)
}

// Testable Scenario S3: once Hello's reply is forwarded, the router
// synthesizes AddMatch/GetNameOwner per filter and a trailing ListNames
// when any filter covers a subtree, holding client reads until it
// resolves.
func (s *routerSuite) TestS3HelloTriggersStartupOps(c *C) {
	store := NewStore([]*Filter{
		{Name: "org.example.Foo", Level: LevelTalk},
		{Name: "org.example", NameIsSubtree: true, Level: LevelSee},
	})
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	hello := busCall(10, "Hello").frame()
	d := rt.RouteClientToBus(hello)
	c.Assert(d.Forward, Equals, true)
	c.Check(sess.HelloSerial, Equals, uint32(10))

	w := newWriter(binary.LittleEndian)
	w.putString(":1.42")
	reply := replyFrame(TypeReturn, 100, 10, "s", w.bytes())

	d = rt.RouteBusToClient(reply)
	c.Assert(d.Forward, Equals, true)
	c.Check(d.ToBus, HasLen, 4) // AddMatch+GetNameOwner, AddMatch, ListNames
	c.Check(sess.HoldClientReads, Equals, true)
	c.Check(sess.PolicyForSource(":1.42"), Equals, LevelTalk)
}

// Testable Scenario S4: a ListNames reply is filtered down to the bus name
// plus any name the session has policy to see.
func (s *routerSuite) TestS4ListNamesReplyIsFiltered(c *C) {
	store := NewStore([]*Filter{
		{Name: "org.example.Visible", Level: LevelSee},
	})
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	listCall := busCall(20, "ListNames").frame()
	d := rt.RouteClientToBus(listCall)
	c.Assert(d.Forward, Equals, true)

	w := newWriter(binary.LittleEndian)
	w.putStringArray([]string{BusName, "org.example.Visible", "org.example.Hidden", ":1.5"})
	reply := replyFrame(TypeReturn, 200, 20, "as", w.bytes())

	d = rt.RouteBusToClient(reply)
	c.Assert(d.ToClient, NotNil)
	names, err := d.ToClient.StringArrayBody()
	c.Assert(err, IsNil)
	c.Check(names, DeepEquals, []string{BusName, "org.example.Visible"})
}

func (s *routerSuite) TestIntrospectionAllowedOnceTalkLevelIsReached(c *C) {
	store := NewStore([]*Filter{{Name: "org.example.Known", Level: LevelTalk}})
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	f := newBuilder(TypeMethodCall, 1).
		withDestination("org.example.Known").
		withPath("/x").withInterface("org.freedesktop.DBus.Introspectable").withMember("Introspect").
		frame()
	d := rt.RouteClientToBus(f)
	c.Check(d.Forward, Equals, true)
}

func (s *routerSuite) TestPropertiesSetIsNotIntrospectionEquivalent(c *C) {
	store := NewStore([]*Filter{{Name: "org.example.Known", Level: LevelTalk}})
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	f := newBuilder(TypeMethodCall, 1).
		withDestination("org.example.Known").
		withPath("/x").withInterface("org.freedesktop.DBus.Properties").withMember("Set").
		frame()
	d := rt.RouteClientToBus(f)
	c.Check(d.Forward, Equals, false)
	c.Assert(d.ToBus, HasLen, 1)
}

func (s *routerSuite) TestNoReplyExpectedDenialIsDroppedNotSynthesized(c *C) {
	store := NewStore(nil)
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	f := newBuilder(TypeMethodCall, 1).
		withFlags(FlagNoReplyExpected).
		withDestination("org.example.Unknown").
		withPath("/x").withInterface("org.example.Unknown").withMember("DoThing").
		frame()
	d := rt.RouteClientToBus(f)
	c.Check(d.Drop, Equals, true)
	c.Check(d.ToBus, HasLen, 0)
}

func (s *routerSuite) TestReturnWithUnknownReplySerialIsDropped(c *C) {
	store := NewStore(nil)
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	reply := replyFrame(TypeReturn, 1, 9999, "", nil)
	d := rt.RouteBusToClient(reply)
	c.Check(d.Drop, Equals, true)
}

func (s *routerSuite) TestSignalFromOwningSenderForwarded(c *C) {
	store := NewStore([]*Filter{{Name: "org.example.Foo", Level: LevelOwn}})
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)
	sess.GrantUniqueIDPolicy(":1.1", LevelNone)
	sess.RecordOwnedName(":1.1", "org.example.Foo")

	f := newBuilder(TypeSignal, 1).
		withPath("/x").withInterface("org.example.Foo").withMember("Changed").frame()
	f.Header.Sender = ":1.1"

	d := rt.RouteBusToClient(f)
	c.Check(d.Forward, Equals, true)
}

func (s *routerSuite) TestSignalFromUnknownSenderDropped(c *C) {
	store := NewStore(nil)
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	f := newBuilder(TypeSignal, 1).
		withPath("/x").withInterface("org.example.Foo").withMember("Changed").frame()
	f.Header.Sender = ":1.1"

	d := rt.RouteBusToClient(f)
	c.Check(d.Drop, Equals, true)
}

func (s *routerSuite) TestNameOwnerChangedForwardedWhenVisible(c *C) {
	store := NewStore([]*Filter{{Name: "org.example.Foo", Level: LevelSee}})
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	w := newWriter(binary.LittleEndian)
	w.putString("org.example.Foo")
	w.putString("")
	w.putString(":1.7")
	f := newBuilder(TypeSignal, 1).
		withPath("/org/freedesktop/DBus").withInterface(BusName).withMember("NameOwnerChanged").
		withBody("sss", w.bytes()).frame()
	f.Header.Sender = BusName

	d := rt.RouteBusToClient(f)
	c.Check(d.Forward, Equals, true)
	c.Check(sess.PolicyForSource(":1.7"), Equals, LevelSee)
}

func (s *routerSuite) TestNameOwnerChangedDroppedWhenNotVisible(c *C) {
	store := NewStore(nil)
	sess := NewSession(store, false)
	rt := NewRouter(sess, store)

	w := newWriter(binary.LittleEndian)
	w.putString("org.example.Invisible")
	w.putString("")
	w.putString(":1.7")
	f := newBuilder(TypeSignal, 1).
		withPath("/org/freedesktop/DBus").withInterface(BusName).withMember("NameOwnerChanged").
		withBody("sss", w.bytes()).frame()
	f.Header.Sender = BusName

	d := rt.RouteBusToClient(f)
	c.Check(d.Drop, Equals, true)
}

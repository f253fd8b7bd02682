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

import "strings"

// ReplyTag is the disposition recorded for an outstanding serial, spec.md
// §3 "Expected Reply Tag".
type ReplyTag int

const (
	TagNone ReplyTag = iota
	TagNormal
	TagHello
	TagFilter
	TagFakeGetNameOwner
	TagFakeListNames
	TagListNames
	TagRewrite
)

// pendingReply is one entry of the Expected-Reply Tracker (spec.md §3).
type pendingReply struct {
	tag ReplyTag
	// name is set for TagFakeGetNameOwner: the well-known name whose
	// owner was being queried, so the reply handler knows which unique
	// id to credit (spec.md §4.4).
	name string
}

// Session is per-client state (spec.md §3 "Client Session"). It is owned
// exclusively by one proxy goroutine; there is no shared mutable state
// across clients (spec.md §5).
type Session struct {
	store *Store

	SloppyNames bool

	Authenticated bool
	AuthBuf       []byte

	// SerialOffset counts synthesized messages the proxy has sent toward
	// the bus so far; it is added to every client-assigned serial before
	// forwarding, and subtracted back out of bus-assigned reply_serial
	// values above the threshold (spec.md §4.4).
	SerialOffset uint32

	// HelloSerial is the client-assigned serial of its first Hello call,
	// or zero before it has been seen.
	HelloSerial uint32

	lastClientSerial uint32

	// HoldClientReads is set while the proxy is waiting for a
	// FakeListNames round trip to finish (spec.md §4.5); while set, the
	// event loop must not read further bytes from the client.
	HoldClientReads bool

	expected map[uint32]pendingReply
	rewrites map[uint32]*Frame

	uniqueIDPolicy map[string]PolicyLevel
	uniqueIDOwned  map[string][]string

	// clientSerialCounter seeds serials for frames the proxy originates
	// directly to the client (synthetic errors/replies that are never
	// themselves replied to). Seeded well above any serial a real
	// session is likely to reach so it never collides with a forwarded
	// bus-assigned serial.
	clientSerialCounter uint32
}

// NewSession creates per-client state for one accepted connection.
func NewSession(store *Store, sloppyNames bool) *Session {
	return &Session{
		store:          store,
		SloppyNames:    sloppyNames,
		expected:       make(map[uint32]pendingReply),
		rewrites:       make(map[uint32]*Frame),
		uniqueIDPolicy: make(map[string]PolicyLevel),
		uniqueIDOwned:  make(map[string][]string),

		clientSerialCounter: 0x80000000,
	}
}

// NextClientSerial allocates the Serial field for a frame the proxy
// delivers directly to the client without forwarding anything from the
// bus (a synthetic error or rewritten reply body).
func (s *Session) NextClientSerial() uint32 {
	s.clientSerialCounter++
	return s.clientSerialCounter
}

// CheckAndAdvanceSerial enforces spec.md §4.4's serial-monotonicity
// invariant: every client-to-bus frame's serial must be strictly greater
// than the last one seen.
func (s *Session) CheckAndAdvanceSerial(serial uint32) bool {
	if serial <= s.lastClientSerial {
		return false
	}
	s.lastClientSerial = serial
	return true
}

// ExpectReply tags an outstanding serial so exactly one bus-to-client reply
// is let through for it (spec.md §3, §4.4, Testable Property 2).
func (s *Session) ExpectReply(serial uint32, tag ReplyTag) {
	s.expected[serial] = pendingReply{tag: tag}
}

// ExpectOwnerQuery tags an outstanding GetNameOwner serial and remembers
// the name it was for (spec.md §4.5 FAKE_GET_NAME_OWNER).
func (s *Session) ExpectOwnerQuery(serial uint32, name string) {
	s.expected[serial] = pendingReply{tag: TagFakeGetNameOwner, name: name}
}

// ConsumeReply atomically looks up and removes the tag for serial, per
// Testable Property 2 ("at most one bus-to-client reply is forwarded and
// the tag is consumed").
func (s *Session) ConsumeReply(serial uint32) (pendingReply, bool) {
	p, ok := s.expected[serial]
	if ok {
		delete(s.expected, serial)
	}
	return p, ok
}

// StoreRewrite remembers a synthetic reply to substitute in place of the
// eventual Ping reply carrying the same serial (spec.md §4.6).
func (s *Session) StoreRewrite(serial uint32, reply *Frame) {
	s.rewrites[serial] = reply
}

// TakeRewrite retrieves and forgets the synthetic reply for serial.
func (s *Session) TakeRewrite(serial uint32) (*Frame, bool) {
	f, ok := s.rewrites[serial]
	if ok {
		delete(s.rewrites, serial)
	}
	return f, ok
}

// NextOutgoingSerial allocates the serial the proxy uses for a message it
// originates toward the bus (AddMatch/GetNameOwner/ListNames/Ping), and
// bumps SerialOffset. Per spec.md §4.4 the offset "grows each time the
// proxy synthesizes its own message to the bus".
func (s *Session) NextOutgoingSerial(clientSerial uint32) uint32 {
	s.SerialOffset++
	return clientSerial + s.SerialOffset
}

// GrantUniqueIDPolicy raises (never lowers — spec.md §9 "sticky" policy)
// the recorded policy level for a unique id.
func (s *Session) GrantUniqueIDPolicy(id string, level PolicyLevel) {
	if cur := s.uniqueIDPolicy[id]; level > cur {
		s.uniqueIDPolicy[id] = level
	}
}

// RecordOwnedName appends name to the list of well-known names id has ever
// owned (spec.md §3 unique_id_owned_names_table; never pruned, per §9).
func (s *Session) RecordOwnedName(id, name string) {
	for _, n := range s.uniqueIDOwned[id] {
		if n == name {
			return
		}
	}
	s.uniqueIDOwned[id] = append(s.uniqueIDOwned[id], name)
}

// PolicyForSource resolves the policy level of a message source, per
// spec.md §4.2: unique ids consult the Unique-Id Policy Table folded with
// the max over every well-known name ever owned by that id; well-known
// names consult the Store directly.
func (s *Session) PolicyForSource(name string) PolicyLevel {
	if name == "" {
		return LevelNone
	}
	if strings.HasPrefix(name, ":") {
		level := s.uniqueIDPolicy[name]
		for _, owned := range s.uniqueIDOwned[name] {
			if l, _ := s.store.LookupName(owned); l > level {
				level = l
			}
		}
		return level
	}
	level, _ := s.store.LookupName(name)
	return level
}

// IsKnownUniqueID reports whether the session has ever observed id via
// GetNameOwner resolution or a signal sender (used by the "sloppy unique
// names" NameOwnerChanged gate, spec.md §4.4).
func (s *Session) IsKnownUniqueID(id string) bool {
	_, ok := s.uniqueIDPolicy[id]
	return ok
}

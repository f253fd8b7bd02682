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
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PolicyLevel is the totally-ordered access level of spec.md §3.
type PolicyLevel int

const (
	LevelNone PolicyLevel = iota
	LevelSee
	LevelTalk
	LevelOwn
)

func (l PolicyLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelSee:
		return "see"
	case LevelTalk:
		return "talk"
	case LevelOwn:
		return "own"
	default:
		return "invalid"
	}
}

// MessageClass distinguishes the two kinds of traffic a Filter can scope a
// method/signal rule to, spec.md §3.
type MessageClass int

const (
	ClassCall MessageClass = 1 << iota
	ClassBroadcast
)

// Filter is one entry of the Policy Store (spec.md §3).
type Filter struct {
	Name          string
	NameIsSubtree bool

	Level PolicyLevel

	// TypeMask is a bitwise-OR of MessageClass values; zero means "all
	// types", per spec.md §3 ("a filter without method/broadcast
	// restrictions implies ALL types").
	TypeMask MessageClass

	ObjectPath    string
	PathIsSubtree bool
	HasObjectPath bool

	Interface string
	Member    string
}

// matchesRule reports whether f additionally restricts to the given call
// shape. A filter with no interface/member/path restriction at all matches
// everything of the right class. Interface/member may be expressed with
// the "*" and "IFACE.*" shorthand from spec.md §6's RULE grammar; matching
// is performed with doublestar so that grammar maps onto glob semantics
// rather than a hand-rolled suffix check.
func (f *Filter) matchesRule(class MessageClass, path, iface, member string) bool {
	if f.TypeMask != 0 && f.TypeMask&class == 0 {
		return false
	}
	if f.HasObjectPath {
		if f.PathIsSubtree {
			if !(path == f.ObjectPath || strings.HasPrefix(path, f.ObjectPath+"/")) {
				return false
			}
		} else if path != f.ObjectPath {
			return false
		}
	}
	if f.Interface == "" && f.Member == "" {
		return true
	}
	pattern := f.Interface
	if f.Member != "" {
		pattern += "." + f.Member
	} else {
		pattern += ".*"
	}
	candidate := iface + "." + member
	ok, _ := doublestar.Match(pattern, candidate)
	return ok
}

// Store is the per-proxy Policy Store (spec.md §3, §4.2): an immutable,
// post-startup mapping from well-known name (exact or subtree) to policy
// level plus optional filters.
type Store struct {
	filters []*Filter
}

// NewStore builds a Store from a flat filter list; the store is immutable
// from then on (spec.md §3 Lifecycle).
func NewStore(filters []*Filter) *Store {
	return &Store{filters: append([]*Filter(nil), filters...)}
}

// candidateNames returns the exact name followed by each dot-truncated
// ancestor, per spec.md §4.2 ("starting with the exact name and repeatedly
// dropping the last dot-component").
func candidateNames(name string) []string {
	out := []string{name}
	for {
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			return out
		}
		name = name[:i]
		out = append(out, name)
	}
}

// LookupName resolves the policy level and matching filters for a
// well-known (non-unique-id) destination name, per spec.md §4.2.
func (s *Store) LookupName(name string) (PolicyLevel, []*Filter) {
	if name == BusName {
		return LevelTalk, nil
	}
	candidates := candidateNames(name)
	best := LevelNone
	var matched []*Filter
	for i, cand := range candidates {
		exact := i == 0
		for _, f := range s.filters {
			if f.Name != cand {
				continue
			}
			if !exact && !f.NameIsSubtree {
				continue
			}
			if f.Level > best {
				best = f.Level
			}
			matched = append(matched, f)
		}
	}
	return best, matched
}

// FiltersFor returns every filter whose Name matches name or an ancestor
// of name under subtree rules, used by the router to evaluate per-call
// CALL/BROADCAST shape restrictions (spec.md §4.4).
func (s *Store) FiltersFor(name string) []*Filter {
	_, matched := s.LookupName(name)
	return matched
}

// All returns every configured filter, in configuration order; used by the
// synthesized-startup-ops pass (spec.md §4.5) which must iterate all of
// them once per client.
func (s *Store) All() []*Filter {
	return s.filters
}

// MatchesCall reports whether any filter on destination allows the given
// CALL shape, independent of the destination's own aggregate policy level
// (spec.md §4.4: "allowed ... when some filter on that destination matches
// (CALL, path, interface, member)").
func (s *Store) MatchesCall(destination, path, iface, member string) bool {
	for _, f := range s.FiltersFor(destination) {
		if f.matchesRule(ClassCall, path, iface, member) {
			return true
		}
	}
	return false
}

// MatchesBroadcast reports whether any filter on sender allows the given
// BROADCAST shape (spec.md §4.4).
func (s *Store) MatchesBroadcast(sender, path, iface, member string) bool {
	for _, f := range s.FiltersFor(sender) {
		if f.matchesRule(ClassBroadcast, path, iface, member) {
			return true
		}
	}
	return false
}

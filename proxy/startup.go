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

// StartupOps synthesizes the startup sequence of spec.md §4.5. The router
// calls this once Hello's own reply has been forwarded to the client: for
// every configured filter entry (other than one naming the bus itself) it
// synthesizes an AddMatch on NameOwnerChanged for that name, and for an
// exact-name filter a GetNameOwner to resolve its current owner up front.
// If any filter covers a subtree, a single ListNames call is appended and
// Session.HoldClientReads is set; the event loop must stop reading from the
// client until routeReply's TagFakeListNames case clears it and fans the
// reply out into a GetNameOwner per matching returned name.
func (rt *Router) StartupOps() []*Frame {
	var out []*Frame
	needsListNames := false

	for _, f := range rt.store.All() {
		if f.Name == BusName {
			continue
		}

		matchSerial := rt.Store.NextOutgoingSerial(rt.Store.HelloSerial)
		rt.Store.ExpectReply(matchSerial, TagFilter)
		out = append(out, newAddMatch(matchSerial, f.Name, f.NameIsSubtree))

		if f.NameIsSubtree {
			needsListNames = true
			continue
		}

		ownerSerial := rt.Store.NextOutgoingSerial(rt.Store.HelloSerial)
		rt.Store.ExpectOwnerQuery(ownerSerial, f.Name)
		out = append(out, newGetNameOwner(ownerSerial, f.Name))
	}

	if needsListNames {
		serial := rt.Store.NextOutgoingSerial(rt.Store.HelloSerial)
		rt.Store.ExpectReply(serial, TagFakeListNames)
		rt.Store.HoldClientReads = true
		out = append(out, newListNames(serial))
	}

	return out
}

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

// Body returns the raw, undecoded message body bytes.
func (f *Frame) Body() []byte {
	if f.Header.BodyStart > len(f.Raw) {
		return nil
	}
	return f.Raw[f.Header.BodyStart:]
}

// FirstArgString decodes the first body argument as a STRING or
// OBJECT_PATH, the shape every policy-relevant bus method in spec.md §4.4
// takes as arg0. Returns ok=false if the signature's first type code is
// neither 's' nor 'o', or the body is empty.
func (f *Frame) FirstArgString() (string, bool) {
	if f.Header.Signature == "" {
		return "", false
	}
	switch f.Header.Signature[0] {
	case 's', 'o':
	default:
		return "", false
	}
	order, err := f.Header.Endian.ByteOrder()
	if err != nil {
		return "", false
	}
	r := newReader(f.Body(), order)
	s, err := r.string()
	if err != nil {
		return "", false
	}
	return s, true
}

// StringArrayBody decodes a body consisting of a single ARRAY of STRING,
// the shape of ListNames/ListActivatableNames replies (spec.md §4.4).
func (f *Frame) StringArrayBody() ([]string, error) {
	order, err := f.Header.Endian.ByteOrder()
	if err != nil {
		return nil, err
	}
	r := newReader(f.Body(), order)
	return r.stringArray()
}

// StringBody decodes a body consisting of a single STRING, used for
// GetNameOwner replies.
func (f *Frame) StringBody() (string, error) {
	order, err := f.Header.Endian.ByteOrder()
	if err != nil {
		return "", err
	}
	r := newReader(f.Body(), order)
	return r.string()
}

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

	. "gopkg.in/check.v1"
)

type authSuite struct{}

var _ = Suite(&authSuite{})

func (s *authSuite) TestFeedDetectsBeginAcrossMultipleWrites(c *C) {
	var a AuthScanner

	done, err := a.Feed([]byte("AUTH EXTERNAL 31303030\r\n"))
	c.Assert(err, IsNil)
	c.Check(done, Equals, false)

	done, err = a.Feed([]byte("BEGIN\r\n"))
	c.Assert(err, IsNil)
	c.Check(done, Equals, true)
	c.Check(a.Trailing, HasLen, 0)
}

func (s *authSuite) TestFeedCapturesTrailingFramedBytes(c *C) {
	var a AuthScanner
	trailing := []byte{'l', 1, 1, 1}
	done, err := a.Feed(append([]byte("BEGIN\r\n"), trailing...))
	c.Assert(err, IsNil)
	c.Assert(done, Equals, true)
	c.Check(a.Trailing, DeepEquals, trailing)
}

// spec.md §9 Open Questions: BEGIN followed by a space or tab is accepted,
// deliberately not tightened to require exact equality.
func (s *authSuite) TestBeginLineAcceptsTrailingSpaceOrTab(c *C) {
	for _, line := range []string{"BEGIN\r\n", "BEGIN \r\n", "BEGIN\t\r\n"} {
		var a AuthScanner
		done, err := a.Feed([]byte(line))
		c.Assert(err, IsNil)
		c.Check(done, Equals, true, Commentf("line %q should be recognized as BEGIN", line))
	}
}

func (s *authSuite) TestBeginPrefixWithoutSeparatorIsNotBegin(c *C) {
	var a AuthScanner
	done, err := a.Feed([]byte("BEGINNING\r\n"))
	c.Assert(err, IsNil)
	c.Check(done, Equals, false)
}

func (s *authSuite) TestFeedRejectsOversizedBuffer(c *C) {
	var a AuthScanner
	big := strings.Repeat("A", maxAuthBuffer+1)
	_, err := a.Feed([]byte(big))
	c.Assert(err, Equals, ErrAuthBufferTooLarge)
}

func (s *authSuite) TestFeedRejectsLowercaseFirstLetter(c *C) {
	var a AuthScanner
	_, err := a.Feed([]byte("auth\r\n"))
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*uppercase letter.*")
}

func (s *authSuite) TestFeedRejectsControlCharacters(c *C) {
	var a AuthScanner
	_, err := a.Feed([]byte("AUTH\x01\r\n"))
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*control character.*")
}

func (s *authSuite) TestFeedRejectsNonASCII(c *C) {
	var a AuthScanner
	_, err := a.Feed([]byte("AUTH \xffoo\r\n"))
	c.Assert(err, NotNil)
	c.Check(err, ErrorMatches, ".*non-ASCII byte.*")
}

func (s *authSuite) TestFeedAfterDoneIsANoop(c *C) {
	var a AuthScanner
	done, err := a.Feed([]byte("BEGIN\r\n"))
	c.Assert(err, IsNil)
	c.Assert(done, Equals, true)

	done, err = a.Feed([]byte("anything"))
	c.Assert(err, IsNil)
	c.Check(done, Equals, true)
}

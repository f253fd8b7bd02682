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

package exposer_test

import (
	"fmt"
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"
	"golang.org/x/sys/unix"

	"github.com/snapcore/snapd-xdg-proxy/exposer"
	"github.com/snapcore/snapd-xdg-proxy/internal/sandboxtest"
)

type resolveSuite struct {
	sandboxtest.BaseTest

	dir    string
	rootFd int
	root   exposer.HostRoot
}

var _ = Suite(&resolveSuite{})

func (s *resolveSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	s.dir = c.MkDir()
	fd, err := unix.Open(s.dir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	c.Assert(err, IsNil)
	s.rootFd = fd
	s.AddCleanup(func() { unix.Close(fd) })
	s.root = exposer.NewHostRoot(fd)
}

func (s *resolveSuite) TearDownTest(c *C) {
	s.BaseTest.TearDownTest(c)
}

func (s *resolveSuite) abs(rel string) string {
	return filepath.Join(s.dir, rel)
}

func (s *resolveSuite) mkdirAll(c *C, rel string) {
	c.Assert(os.MkdirAll(s.abs(rel), 0755), IsNil)
}

func (s *resolveSuite) symlink(c *C, target, linkRel string) {
	c.Assert(os.MkdirAll(filepath.Dir(s.abs(linkRel)), 0755), IsNil)
	c.Assert(os.Symlink(target, s.abs(linkRel)), IsNil)
}

// Testable Scenario S5: host has /home -> /var/home (symlink),
// /var/home/alice (dir). add_expose(ReadWriteBind, "/home/alice") produces
// --symlink var/home /home --bind /var/home/alice /var/home/alice.
func (s *resolveSuite) TestSymlinkAncestorRecordedAndResolved(c *C) {
	s.mkdirAll(c, "var/home/alice")
	s.symlink(c, "var/home", "home")

	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddExpose(exposer.ModeReadWriteBind, "/home/alice"), IsNil)

	home, ok := e.Table.Get("/home")
	c.Assert(ok, Equals, true)
	c.Check(home.Mode, Equals, exposer.ModeSymlink)
	c.Check(home.Target, Equals, "var/home")

	alice, ok := e.Table.Get("/var/home/alice")
	c.Assert(ok, Equals, true)
	c.Check(alice.Mode, Equals, exposer.ModeReadWriteBind)

	c.Check(e.Emit(), DeepEquals, []string{
		"--symlink", "var/home", "/home",
		"--bind", "/var/home/alice", "/var/home/alice",
	})
}

// Reserved paths (spec.md §4.7) are rejected quietly: no error, no entry.
func (s *resolveSuite) TestReservedPathsRejectedQuietly(c *C) {
	for _, p := range []string{"/usr", "/etc/foo", "/app/x", "/dev/null", "/proc/1"} {
		s.mkdirAll(c, "etc")
		e := exposer.New(exposer.Config{}, s.root)
		c.Assert(e.AddEnsureDir(p), IsNil)
		_, ok := e.Table.Get(p)
		c.Check(ok, Equals, false, Commentf("path %s should have been rejected", p))
	}
}

func (s *resolveSuite) TestRelativePathRejectedQuietly(c *C) {
	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddEnsureDir("not/absolute"), IsNil)
	c.Check(e.Emit(), HasLen, 0)
}

func (s *resolveSuite) TestMissingPathSkippedSilently(c *C) {
	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddExpose(exposer.ModeReadOnlyBind, "/does/not/exist"), IsNil)
	_, ok := e.Table.Get("/does/not/exist")
	c.Check(ok, Equals, false)
}

// /tmp is never exposed as a symlink: the request is dropped outright even
// though a real symlink sits there (spec.md §4.7).
func (s *resolveSuite) TestTmpNeverExposedAsSymlink(c *C) {
	s.mkdirAll(c, "realtmp")
	s.symlink(c, "realtmp", "tmp")

	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddEnsureDir("/tmp"), IsNil)
	_, ok := e.Table.Get("/tmp")
	c.Check(ok, Equals, false)
}

// Testable Property 6: a symlink chain is not followed past
// maxSymlinkExpansions (40); a cycle must terminate with an error rather
// than loop forever.
func (s *resolveSuite) TestSymlinkCycleTerminates(c *C) {
	s.symlink(c, "/loop_b", "loop_a")
	s.symlink(c, "/loop_a", "loop_b")

	e := exposer.New(exposer.Config{}, s.root)
	err := e.AddEnsureDir("/loop_a")
	c.Assert(err, NotNil)
}

// A long-but-finite chain of exactly the bound is still accepted.
func (s *resolveSuite) TestSymlinkChainAtBoundSucceeds(c *C) {
	const n = 30
	for i := 0; i < n; i++ {
		var target string
		if i == n-1 {
			target = "/final"
		} else {
			target = fmt.Sprintf("/link%d", i+1)
		}
		s.symlink(c, target, fmt.Sprintf("link%d", i))
	}
	s.mkdirAll(c, "final")

	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddEnsureDir("/link0"), IsNil)
	_, ok := e.Table.Get("/final")
	c.Check(ok, Equals, true)
}

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
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"
	"golang.org/x/sys/unix"

	"github.com/snapcore/snapd-xdg-proxy/exposer"
	"github.com/snapcore/snapd-xdg-proxy/internal/sandboxtest"
)

type emitSuite struct {
	sandboxtest.BaseTest

	dir    string
	rootFd int
	root   exposer.HostRoot
}

var _ = Suite(&emitSuite{})

func (s *emitSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	s.dir = c.MkDir()
	fd, err := unix.Open(s.dir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	c.Assert(err, IsNil)
	s.rootFd = fd
	s.AddCleanup(func() { unix.Close(fd) })
	s.root = exposer.NewHostRoot(fd)
}

func (s *emitSuite) TearDownTest(c *C) {
	s.BaseTest.TearDownTest(c)
}

func (s *emitSuite) abs(rel string) string { return filepath.Join(s.dir, rel) }

func (s *emitSuite) mkdirAll(c *C, rel string) {
	c.Assert(os.MkdirAll(s.abs(rel), 0755), IsNil)
}

func (s *emitSuite) writeFile(c *C, rel, content string) {
	c.Assert(os.MkdirAll(filepath.Dir(s.abs(rel)), 0755), IsNil)
	c.Assert(os.WriteFile(s.abs(rel), []byte(content), 0644), IsNil)
}

// Testable Scenario S6, primary rule: add_tmpfs("/home") with no ancestor
// mapped and nothing else covering /home emits --dir /home, since a bare
// tmpfs over an already-empty mountpoint is unnecessary.
func (s *emitSuite) TestTmpfsWithNoAncestorEmitsDir(c *C) {
	s.mkdirAll(c, "home")

	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddTmpfs("/home"), IsNil)
	c.Check(e.Emit(), DeepEquals, []string{"--dir", "/home"})
}

// An EnsureDir ancestor is transparent (spec.md §4.8): it does not count
// as "mapped", so a nested tmpfs request still emits --dir rather than
// --tmpfs.
func (s *emitSuite) TestTmpfsUnderEnsureDirAncestorStillEmitsDir(c *C) {
	s.mkdirAll(c, "a/b")

	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddEnsureDir("/a"), IsNil)
	c.Assert(e.AddTmpfs("/a/b"), IsNil)

	c.Check(e.Emit(), DeepEquals, []string{"--dir", "/a", "--dir", "/a/b"})
}

func (s *emitSuite) TestTmpfsUnderBoundAncestorEmitsTmpfs(c *C) {
	s.mkdirAll(c, "a/b")

	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddExpose(exposer.ModeReadOnlyBind, "/a"), IsNil)
	c.Assert(e.AddTmpfs("/a/b"), IsNil)

	c.Check(e.Emit(), DeepEquals, []string{
		"--ro-bind", "/a", "/a",
		"--tmpfs", "/a/b",
	})
}

func (s *emitSuite) TestTmpfsOnNonDirectorySkipped(c *C) {
	s.writeFile(c, "f", "hi")

	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddTmpfs("/f"), IsNil)
	c.Check(e.Emit(), HasLen, 0)
}

func (s *emitSuite) TestEnsureDirRequiresRealDirectory(c *C) {
	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddEnsureDir("/missing"), IsNil)
	c.Check(e.Emit(), HasLen, 0)
}

// Testable Scenario S7: with no /etc/os-release, /usr/lib/os-release is
// bound into /run/host/os-release as a fallback.
func (s *emitSuite) TestOSReleaseFallsBackToUsrLib(c *C) {
	s.writeFile(c, "usr/lib/os-release", "NAME=test\n")

	e := exposer.New(exposer.Config{}, s.root)
	c.Check(e.Emit(), DeepEquals, []string{
		"--ro-bind", "/usr/lib/os-release", "/run/host/os-release",
	})
}

func (s *emitSuite) TestOSReleasePrefersEtc(c *C) {
	s.writeFile(c, "etc/os-release", "NAME=test\n")
	s.writeFile(c, "usr/lib/os-release", "NAME=other\n")

	e := exposer.New(exposer.Config{}, s.root)
	c.Check(e.Emit(), DeepEquals, []string{
		"--ro-bind", "/etc/os-release", "/run/host/os-release",
	})
}

func (s *emitSuite) TestHostEtcReadOnly(c *C) {
	e := exposer.New(exposer.Config{HostEtcMode: exposer.HostEtcModeReadOnly}, s.root)
	c.Check(e.Emit(), DeepEquals, []string{"--ro-bind", "/etc", "/run/host/etc"})
}

func (s *emitSuite) TestHostEtcFallbackAllowlist(c *C) {
	s.writeFile(c, "etc/ld.so.cache", "x")
	s.mkdirAll(c, "etc/alternatives")

	e := exposer.New(exposer.Config{}, s.root)
	c.Check(e.Emit(), HasLen, 0)

	e = exposer.New(exposer.Config{HostUsrMode: exposer.HostUsrModeExposed}, s.root)
	c.Check(e.Emit(), DeepEquals, []string{
		"--ro-bind", "/etc/ld.so.cache", "/run/host/etc/ld.so.cache",
		"--ro-bind", "/etc/alternatives", "/run/host/etc/alternatives",
	})
}

func (s *emitSuite) TestUsrMergeExposesUsrAndSymlinks(c *C) {
	s.mkdirAll(c, "usr")
	s.symlink(c, "usr/bin", "bin")

	e := exposer.New(exposer.Config{
		HostUsrMode:   exposer.HostUsrModeExposed,
		UsrmergedDirs: []string{"/bin"},
	}, s.root)

	c.Check(e.Emit(), DeepEquals, []string{
		"--ro-bind", "/usr", "/run/host/usr",
		"--symlink", "usr/bin", "/run/host/bin",
	})
}

func (s *emitSuite) symlink(c *C, target, linkRel string) {
	c.Assert(os.MkdirAll(filepath.Dir(s.abs(linkRel)), 0755), IsNil)
	c.Assert(os.Symlink(target, s.abs(linkRel)), IsNil)
}

// Testable Property 7: Emit is a pure function of the Export Table and
// host state — two calls in a row produce byte-identical output.
func (s *emitSuite) TestEmitIsDeterministic(c *C) {
	s.mkdirAll(c, "a")
	s.mkdirAll(c, "b")

	e := exposer.New(exposer.Config{}, s.root)
	c.Assert(e.AddEnsureDir("/a"), IsNil)
	c.Assert(e.AddEnsureDir("/b"), IsNil)

	first := e.Emit()
	second := e.Emit()
	c.Check(first, DeepEquals, second)
}

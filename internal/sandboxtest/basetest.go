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

// Package sandboxtest provides shared gocheck test scaffolding for the
// proxy and exposer packages: a BaseTest with deferred cleanup, used by
// suites that open real file descriptors against temporary directories
// and need them closed in last-in, first-out order regardless of
// whether the test passed.
package sandboxtest

import (
	check "gopkg.in/check.v1"
)

// BaseTest mirrors the teacher's testutil.BaseTest: tests embed it and call
// SetUpTest/TearDownTest, registering cleanups that run in last-in,
// first-out order regardless of whether the test passed.
type BaseTest struct {
	cleanups []func()
}

// SetUpTest resets the cleanup list for a fresh test.
func (b *BaseTest) SetUpTest(c *check.C) {
	b.cleanups = nil
}

// TearDownTest runs every registered cleanup, most-recently-added first.
func (b *BaseTest) TearDownTest(c *check.C) {
	for i := len(b.cleanups) - 1; i >= 0; i-- {
		b.cleanups[i]()
	}
	b.cleanups = nil
}

// AddCleanup registers f to run at TearDownTest.
func (b *BaseTest) AddCleanup(f func()) {
	b.cleanups = append(b.cleanups, f)
}

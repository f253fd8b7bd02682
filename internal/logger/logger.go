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

// Package logger is a thin wrapper around the standard log package, in the
// spirit of snapd's own logger package: leveled output gated by an
// environment variable rather than a config file, since neither binary in
// this module has any other configuration surface.
package logger

import (
	"fmt"
	"log"
	"os"
)

var debug = os.Getenv("SNAPD_XDG_PROXY_DEBUG") != ""

// std is the destination every helper below writes to; tests redirect it
// via SetOutput.
var std = log.New(os.Stderr, "", log.LstdFlags)

// SetOutput redirects logger output, returning a function that restores the
// previous destination.
func SetOutput(w *log.Logger) (restore func()) {
	old := std
	std = w
	return func() { std = old }
}

// Noticef logs an unconditional, user-facing line.
func Noticef(format string, args ...interface{}) {
	std.Output(2, fmt.Sprintf(format, args...)) //nolint:errcheck
}

// Debugf logs only when SNAPD_XDG_PROXY_DEBUG is set in the environment.
func Debugf(format string, args ...interface{}) {
	if !debug {
		return
	}
	std.Output(2, "DEBUG: "+fmt.Sprintf(format, args...)) //nolint:errcheck
}

// MockDebug forces debug logging on or off for the duration of a test,
// returning a function that restores the previous setting.
func MockDebug(enabled bool) (restore func()) {
	old := debug
	debug = enabled
	return func() { debug = old }
}

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

// Command snapd-fs-exposer is a small line-oriented driver around the
// exposer package (SPEC_FULL.md §0/§3): it reads expose directives from
// stdin and prints the emitted bwrap argv sequence, giving the package a
// runnable entry point and an end-to-end test surface the same way
// cmd/snap-update-ns gives interfaces/mount a process entry point.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sys/unix"

	"github.com/snapcore/snapd-xdg-proxy/exposer"
)

// options is this binary's CLI surface: only --root, per SPEC_FULL.md §3's
// hermetic-testing hook for the host-root indirection of spec.md §4.9.
type options struct {
	Root string `long:"root" description:"open PATH and indirect every lookup through it, for hermetic testing"`
}

func main() {
	// This binary is the one probeAutofs re-execs (exposer/autofs.go); a
	// probe invocation must be served before any of its own argument
	// parsing runs.
	exposer.RunAutofsProbeChildIfRequested()

	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "snapd-fs-exposer: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string, stdin io.Reader, stdout io.Writer) error {
	var opts options
	if _, err := flags.ParseArgs(&opts, argv); err != nil {
		return err
	}

	root, err := openRoot(opts.Root)
	if err != nil {
		return err
	}

	e := exposer.New(exposer.Config{}, root)

	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if err := dispatch(e, scanner.Text(), stdout); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// openRoot opens rootPath O_PATH|O_DIRECTORY and wraps the resulting
// descriptor in an exposer.HostRoot, or returns the zero HostRoot
// (operating directly on "/") when rootPath is empty.
func openRoot(rootPath string) (exposer.HostRoot, error) {
	if rootPath == "" {
		return exposer.HostRoot{}, nil
	}
	fd, err := unix.Open(rootPath, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return exposer.HostRoot{}, fmt.Errorf("cannot open --root=%s: %w", rootPath, err)
	}
	return exposer.NewHostRoot(fd), nil
}

// dispatch handles one line of the stdin protocol (SPEC_FULL.md §0/§3):
// ro-bind PATH, rw-bind PATH, tmpfs PATH, ensure-dir PATH, host-etc MODE,
// host-os MODE, emit.
func dispatch(e *exposer.Exposer, line string, stdout io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "ro-bind":
		return e.AddExpose(exposer.ModeReadOnlyBind, arg)
	case "rw-bind":
		return e.AddExpose(exposer.ModeReadWriteBind, arg)
	case "tmpfs":
		return e.AddTmpfs(arg)
	case "ensure-dir":
		return e.AddEnsureDir(arg)
	case "host-etc":
		mode, err := parseHostEtcMode(arg)
		if err != nil {
			return err
		}
		e.Config.HostEtcMode = mode
		return nil
	case "host-os":
		mode, err := parseHostUsrMode(arg)
		if err != nil {
			return err
		}
		e.Config.HostUsrMode = mode
		return nil
	case "emit":
		for _, tok := range e.Emit() {
			fmt.Fprintln(stdout, tok)
		}
		return nil
	default:
		return fmt.Errorf("unrecognized directive %q", cmd)
	}
}

func parseHostEtcMode(arg string) (exposer.HostEtcMode, error) {
	switch arg {
	case "none":
		return exposer.HostEtcModeNone, nil
	case "ro":
		return exposer.HostEtcModeReadOnly, nil
	case "rw":
		return exposer.HostEtcModeReadWrite, nil
	default:
		return 0, fmt.Errorf("host-etc: unknown mode %q (want none, ro, or rw)", arg)
	}
}

func parseHostUsrMode(arg string) (exposer.HostUsrMode, error) {
	switch arg {
	case "none":
		return exposer.HostUsrModeNone, nil
	case "exposed":
		return exposer.HostUsrModeExposed, nil
	default:
		return 0, fmt.Errorf("host-os: unknown mode %q (want none or exposed)", arg)
	}
}

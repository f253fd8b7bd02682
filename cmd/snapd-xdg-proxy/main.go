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

// Command snapd-xdg-proxy runs any number of filtering bus proxies given on
// its command line (spec.md §6), one per <bus-address, socket-path> pair.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/coreos/go-systemd/activation"
	"github.com/coreos/go-systemd/daemon"

	"github.com/snapcore/snapd-xdg-proxy/proxy"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "snapd-xdg-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	expanded, err := expandArgsDescriptors(argv)
	if err != nil {
		return err
	}
	specs, syncFD, err := parseArgs(expanded)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("usage: snapd-xdg-proxy <bus-address> <socket-path> [options...] ...")
	}
	if syncFD < 0 {
		if fds := activation.Files(false); len(fds) == 1 {
			syncFD = int(fds[0].Fd())
		}
	}

	var t tomb.Tomb
	g, ctx := errgroup.WithContext(t.Context(nil))
	for _, sp := range specs {
		sp := sp
		g.Go(func() error {
			return proxy.Serve(&t, sp)
		})
	}

	if syncFD >= 0 {
		t.Go(func() error {
			watchSyncPipe(&t, syncFD)
			return nil
		})
	}

	daemon.SdNotify(false, "READY=1") //nolint:errcheck

	<-ctx.Done()
	t.Kill(nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return t.Wait()
}

// watchSyncPipe blocks until fd reaches EOF (the parent process's sync pipe
// write end was closed, spec.md §6), then kills t so every proxy.Serve loop
// tears down and run returns with exit code 0.
func watchSyncPipe(t *tomb.Tomb, fd int) {
	var buf [256]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil || n == 0 {
			t.Kill(nil)
			return
		}
	}
}

// expandArgsDescriptors implements spec.md §6's "--args=N: read additional
// NUL-separated arguments from descriptor N and splice them in place".
func expandArgsDescriptors(argv []string) ([]string, error) {
	var out []string
	for _, a := range argv {
		v, ok := cutFlag(a, "--args=")
		if !ok {
			out = append(out, a)
			continue
		}
		fd, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid --args= descriptor %q: %w", v, err)
		}
		var buf []byte
		chunk := make([]byte, 4096)
		for {
			n, err := unix.Read(fd, chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
			}
			if err != nil || n == 0 {
				break
			}
		}
		for _, piece := range strings.Split(strings.TrimRight(string(buf), "\x00"), "\x00") {
			if piece != "" {
				out = append(out, piece)
			}
		}
	}
	return out, nil
}

func cutFlag(arg, prefix string) (value string, ok bool) {
	return strings.CutPrefix(arg, prefix)
}

// specOptions is the flat option set of one positional group (spec.md §6),
// parsed independently per group since go-flags has no native notion of
// repeated positional groups with interleaved options.
type specOptions struct {
	See         []string `long:"see"`
	Talk        []string `long:"talk"`
	Own         []string `long:"own"`
	Call        []string `long:"call"`
	Broadcast   []string `long:"broadcast"`
	Log         bool     `long:"log"`
	Filter      bool     `long:"filter"`
	SloppyNames bool     `long:"sloppy-names"`
}

// parseArgs splits argv into process-level options (--fd=) and the repeated
// <bus-address> <socket-path> [options...] positional groups of spec.md §6.
func parseArgs(argv []string) (specs []*proxy.Spec, syncFD int, err error) {
	syncFD = -1
	var rest []string
	for _, a := range argv {
		if v, ok := cutFlag(a, "--fd="); ok {
			fd, err := strconv.Atoi(v)
			if err != nil {
				return nil, -1, fmt.Errorf("invalid --fd= descriptor %q: %w", v, err)
			}
			syncFD = fd
			continue
		}
		rest = append(rest, a)
	}

	i := 0
	for i < len(rest) {
		if strings.HasPrefix(rest[i], "--") {
			return nil, -1, fmt.Errorf("unexpected option %q where a bus address was expected", rest[i])
		}
		if i+1 >= len(rest) {
			return nil, -1, fmt.Errorf("bus address %q has no socket path", rest[i])
		}
		busAddr, sockPath := rest[i], rest[i+1]
		i += 2

		var group []string
		for i < len(rest) && strings.HasPrefix(rest[i], "--") {
			group = append(group, rest[i])
			i++
		}

		sp, err := buildSpec(busAddr, sockPath, group)
		if err != nil {
			return nil, -1, err
		}
		specs = append(specs, sp)
	}
	return specs, syncFD, nil
}

func buildSpec(busAddr, sockPath string, group []string) (*proxy.Spec, error) {
	var opts specOptions
	if _, err := flags.ParseArgs(&opts, group); err != nil {
		return nil, fmt.Errorf("%s %s: %w", busAddr, sockPath, err)
	}

	var filters []*proxy.Filter
	add := func(names []string, level proxy.PolicyLevel) {
		for _, n := range names {
			name, subtree := splitNameSubtree(n)
			filters = append(filters, &proxy.Filter{Name: name, NameIsSubtree: subtree, Level: level})
		}
	}
	add(opts.See, proxy.LevelSee)
	add(opts.Talk, proxy.LevelTalk)
	add(opts.Own, proxy.LevelOwn)
	for _, entry := range opts.Call {
		f, err := parseDetailedFilter(entry, proxy.ClassCall)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	for _, entry := range opts.Broadcast {
		f, err := parseDetailedFilter(entry, proxy.ClassBroadcast)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	return &proxy.Spec{
		BusAddress:  busAddr,
		SocketPath:  sockPath,
		Store:       proxy.NewStore(filters),
		Filtering:   opts.Filter || len(filters) > 0,
		Log:         opts.Log,
		SloppyNames: opts.SloppyNames,
		ClientRate:  1 << 16,
		ClientBurst: 1 << 20,
	}, nil
}

// splitNameSubtree strips the trailing ".*" subtree marker from a
// --see=/--talk=/--own= NAME argument (spec.md §6).
func splitNameSubtree(name string) (string, bool) {
	if trimmed, ok := strings.CutSuffix(name, ".*"); ok {
		return trimmed, true
	}
	return name, false
}

// parseDetailedFilter parses one --call=NAME=RULE or --broadcast=NAME=RULE
// argument, per spec.md §6's RULE grammar:
// [IFACE.METHOD|IFACE.*|*][@/path[/*]].
func parseDetailedFilter(entry string, class proxy.MessageClass) (*proxy.Filter, error) {
	name, rule, ok := strings.Cut(entry, "=")
	if !ok {
		return nil, fmt.Errorf("malformed filter %q: expected NAME=RULE", entry)
	}
	filterName, subtree := splitNameSubtree(name)

	iface, member, objPath, hasPath, pathSubtree, err := parseRule(rule)
	if err != nil {
		return nil, fmt.Errorf("malformed rule %q: %w", rule, err)
	}
	return &proxy.Filter{
		Name:          filterName,
		NameIsSubtree: subtree,
		Level:         proxy.LevelTalk,
		TypeMask:      class,
		ObjectPath:    objPath,
		PathIsSubtree: pathSubtree,
		HasObjectPath: hasPath,
		Interface:     iface,
		Member:        member,
	}, nil
}

// parseRule decodes the RULE grammar of spec.md §6:
// [IFACE.METHOD|IFACE.*|*][@/path[/*]].
func parseRule(rule string) (iface, member, objPath string, hasPath, pathSubtree bool, err error) {
	ifacePart := rule
	if at := strings.IndexByte(rule, '@'); at >= 0 {
		ifacePart = rule[:at]
		pathPart := rule[at+1:]
		if pathPart == "" {
			return "", "", "", false, false, fmt.Errorf("empty object path after '@'")
		}
		hasPath = true
		if trimmed, ok := strings.CutSuffix(pathPart, "/*"); ok {
			pathSubtree = true
			pathPart = trimmed
			if pathPart == "" {
				pathPart = "/"
			}
		}
		objPath = pathPart
	}

	if ifacePart == "" || ifacePart == "*" {
		return "", "", objPath, hasPath, pathSubtree, nil
	}
	if trimmed, ok := strings.CutSuffix(ifacePart, ".*"); ok {
		return trimmed, "", objPath, hasPath, pathSubtree, nil
	}
	i := strings.LastIndexByte(ifacePart, '.')
	if i < 0 {
		return "", "", "", false, false, fmt.Errorf("expected IFACE.METHOD, IFACE.*, or *")
	}
	return ifacePart[:i], ifacePart[i+1:], objPath, hasPath, pathSubtree, nil
}

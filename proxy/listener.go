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
	"fmt"

	"github.com/juju/ratelimit"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/snapcore/snapd-xdg-proxy/internal/logger"
)

// Spec is one proxy specification from the command line (spec.md §6): a
// bus address, a listening socket path, and the filtering configuration
// every client accepted on that socket shares.
type Spec struct {
	BusAddress string
	SocketPath string
	Store      *Store
	Filtering  bool
	Log        bool
	// SloppyNames relaxes the NameOwnerChanged delivery gate for unique
	// ids, spec.md §4.4 and §9.
	SloppyNames bool

	// ClientRate/ClientBurst bound how fast bus-originated frames are
	// delivered to one client, guarding a sandboxed peer against a noisy
	// bus. Zero ClientRate disables throttling.
	ClientRate  float64
	ClientBurst int64
}

// Serve listens on sp.SocketPath and proxies every accepted connection to
// sp.BusAddress until t is killed. It never returns until the listener
// itself fails or the tomb is dying.
func Serve(t *tomb.Tomb, sp *Spec) error {
	lfd, err := listenSocket(sp.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", sp.SocketPath, err)
	}
	defer func() {
		unix.Close(lfd)
		unix.Unlink(sp.SocketPath)
	}()

	for {
		pfd := []unix.PollFd{{Fd: int32(lfd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, 250)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("poll on listening socket: %w", err)
		}
		select {
		case <-t.Dying():
			return nil
		default:
		}
		if n <= 0 || pfd[0].Revents&unix.POLLIN == 0 {
			continue
		}
		cfd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		t.Go(func() error {
			handleConn(t, sp, cfd)
			return nil
		})
	}
}

// handleConn owns one accepted client connection end to end: SASL byte
// passthrough with credential relay, then (depending on sp.Filtering)
// either raw byte forwarding or the framed, policy-checked exchange of
// spec.md §4.4. It never returns an error; all failures simply tear the
// connection down, matching spec.md §7's "malformed frame ⇒ connection
// close" and §5's per-client cancellation model.
func handleConn(t *tomb.Tomb, sp *Spec, clientFD int) {
	defer unix.Close(clientFD)

	busFD, err := dialBus(sp.BusAddress)
	if err != nil {
		return
	}
	defer unix.Close(busFD)
	unix.SetNonblock(busFD, true)

	trailing, ok := runPreAuth(t, clientFD, busFD)
	if !ok {
		return
	}

	if !sp.Filtering {
		pumpRawBidirectional(t, clientFD, busFD)
		return
	}

	runFiltered(t, sp, clientFD, busFD, trailing)
}

// runPreAuth relays the SASL exchange byte-for-byte (spec.md §4.3),
// attaching the proxy's own credentials to the client's first byte, and
// returns once the client's BEGIN line has been seen, along with any
// trailing bytes received in the same read as BEGIN (the start of the
// framed protocol, to be primed into the client Decoder).
func runPreAuth(t *tomb.Tomb, clientFD, busFD int) (trailing []byte, ok bool) {
	scanner := &AuthScanner{}
	firstByte := true

	for {
		pfd := []unix.PollFd{
			{Fd: int32(clientFD), Events: unix.POLLIN},
			{Fd: int32(busFD), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, 1000)
		if err != nil && err != unix.EINTR {
			return nil, false
		}
		select {
		case <-t.Dying():
			return nil, false
		default:
		}
		if n <= 0 {
			continue
		}

		if pfd[0].Revents&unix.POLLIN != 0 {
			var buf [4096]byte
			n, err := unix.Read(clientFD, buf[:])
			if err != nil || n <= 0 {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					// fallthrough to bus side
				} else {
					return nil, false
				}
			} else {
				chunk := buf[:n]
				if firstByte {
					if err := relayFirstByteWithCreds(busFD, chunk[0]); err != nil {
						return nil, false
					}
					chunk = chunk[1:]
					firstByte = false
				} else if len(chunk) > 0 {
					if _, err := unix.Write(busFD, chunk); err != nil {
						return nil, false
					}
				}
				if len(chunk) > 0 {
					done, err := scanner.Feed(chunk)
					if err != nil {
						return nil, false
					}
					if done {
						return scanner.Trailing, true
					}
				}
			}
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			var buf [4096]byte
			n, err := unix.Read(busFD, buf[:])
			if err != nil {
				if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
					return nil, false
				}
			} else if n > 0 {
				if _, err := unix.Write(clientFD, buf[:n]); err != nil {
					return nil, false
				}
			}
		}
	}
}

// relayFirstByteWithCreds forwards the client's first SASL byte to the bus
// with the proxy's own kernel-supplied credentials attached via
// SCM_CREDENTIALS (spec.md §4.3: "the proxy's own kernel-supplied
// credentials are used; the proxy does not impersonate the client").
func relayFirstByteWithCreds(busFD int, b byte) error {
	cred := &unix.Ucred{Pid: int32(unix.Getpid()), Uid: uint32(unix.Getuid()), Gid: uint32(unix.Getgid())}
	oob := unix.UnixCredentials(cred)
	return unix.Sendmsg(busFD, []byte{b}, oob, nil, 0)
}

// pumpRawBidirectional implements the unfiltered degenerate mode of
// spec.md §4.3 ("If the proxy was configured without filtering, it
// degenerates to byte forwarding").
func pumpRawBidirectional(t *tomb.Tomb, clientFD, busFD int) {
	done := make(chan struct{}, 2)
	pump := func(from, to int) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 65536)
		for {
			n, err := unix.Read(from, buf)
			if err != nil || n <= 0 {
				return
			}
			if _, err := unix.Write(to, buf[:n]); err != nil {
				return
			}
		}
	}
	go pump(clientFD, busFD)
	go pump(busFD, clientFD)
	select {
	case <-done:
	case <-t.Dying():
	}
}

// runFiltered is the framed, policy-checked exchange of spec.md §4.4/§4.5:
// a single loop, owned by this connection's goroutine alone, polling both
// sockets and processing exactly one frame per ready event before
// re-arming, per spec.md §5.
func runFiltered(t *tomb.Tomb, sp *Spec, clientFD, busFD int, trailing []byte) {
	session := NewSession(sp.Store, sp.SloppyNames)
	router := NewRouter(session, sp.Store)

	decClient := NewDecoder(clientFD)
	decBus := NewDecoder(busFD)
	if len(trailing) > 0 {
		decClient.Prime(trailing)
	}

	var bucket *ratelimit.Bucket
	if sp.ClientRate > 0 {
		bucket = ratelimit.NewBucketWithRate(sp.ClientRate, sp.ClientBurst)
	}

	for {
		select {
		case <-t.Dying():
			return
		default:
		}

		pfd := make([]unix.PollFd, 0, 2)
		clientIdx, busIdx := -1, -1
		if !session.HoldClientReads {
			clientIdx = len(pfd)
			pfd = append(pfd, unix.PollFd{Fd: int32(clientFD), Events: unix.POLLIN})
		}
		busIdx = len(pfd)
		pfd = append(pfd, unix.PollFd{Fd: int32(busFD), Events: unix.POLLIN})

		n, err := unix.Poll(pfd, 1000)
		if err != nil && err != unix.EINTR {
			return
		}
		if n <= 0 {
			continue
		}

		if clientIdx >= 0 && pfd[clientIdx].Revents&unix.POLLIN != 0 {
			if !drainOne(decClient, func(f *Frame) bool {
				return handleClientFrame(router, session, f, clientFD, busFD, sp.Log)
			}) {
				return
			}
		}
		if pfd[busIdx].Revents&unix.POLLIN != 0 {
			if !drainOne(decBus, func(f *Frame) bool {
				return handleBusFrame(router, f, clientFD, busFD, bucket, sp.Log)
			}) {
				return
			}
		}
	}
}

// drainOne polls the decoder exactly once and, if a frame completed,
// dispatches it; it reports false when the connection must be torn down
// (malformed frame or I/O error), matching spec.md §5's "drains one frame
// at most, then re-arms".
func drainOne(dec *Decoder, dispatch func(*Frame) bool) bool {
	f, ok, err := dec.Poll()
	if err != nil {
		return false
	}
	if !ok {
		return true
	}
	return dispatch(f)
}

func handleClientFrame(rt *Router, session *Session, f *Frame, clientFD, busFD int, logEnabled bool) bool {
	defer f.Close()

	if f.Header.Type == TypeMethodCall || f.Header.Type == TypeSignal {
		if !session.CheckAndAdvanceSerial(f.Header.Serial) {
			return false
		}
	}

	d := rt.RouteClientToBus(f)
	if logEnabled {
		logDecision(f, d)
	}
	switch {
	case d.Drop:
		return true
	case d.ToClient != nil:
		defer d.ToClient.Close()
		return WriteFrame(clientFD, d.ToClient) == nil
	case len(d.ToBus) > 0:
		for _, out := range d.ToBus {
			if err := WriteFrame(busFD, out); err != nil {
				return false
			}
		}
		return true
	case d.Forward:
		adjusted := f.Header.Serial + session.SerialOffset
		if err := f.Header.RewriteSerial(f.Raw, adjusted); err != nil {
			return false
		}
		return WriteFrame(busFD, f) == nil
	default:
		return true
	}
}

// handleBusFrame dispatches one bus-originated frame. ToBus (startup ops
// fanned out from a Hello or FakeListNames reply, spec.md §4.5) is
// independent of how the frame itself is delivered toward the client, so
// both are applied when present rather than treated as alternatives.
func handleBusFrame(rt *Router, f *Frame, clientFD, busFD int, bucket *ratelimit.Bucket, logEnabled bool) bool {
	defer f.Close()

	d := rt.RouteBusToClient(f)
	if logEnabled {
		logDecision(f, d)
	}

	for _, out := range d.ToBus {
		if err := WriteFrame(busFD, out); err != nil {
			return false
		}
	}

	switch {
	case d.Drop:
		return true
	case d.ToClient != nil:
		defer d.ToClient.Close()
		if bucket != nil {
			bucket.Wait(1)
		}
		return WriteFrame(clientFD, d.ToClient) == nil
	case d.Forward:
		if bucket != nil {
			bucket.Wait(1)
		}
		return WriteFrame(clientFD, f) == nil
	default:
		return true
	}
}

// logDecision emits one line for a denied or rewritten message, per spec.md
// §6's --log flag. Forwarded-unchanged and dropped-with-no-reply-expected
// traffic is not noisy enough to be worth a line.
func logDecision(f *Frame, d Decision) {
	h := f.Header
	switch {
	case d.Drop:
		logger.Noticef("proxy: dropped %s %s.%s", h.Type, h.Interface, h.Member)
	case len(d.ToBus) > 0 && d.ToClient == nil:
		logger.Noticef("proxy: rewrote %s %s.%s (destination=%q)", h.Type, h.Interface, h.Member, h.Destination)
	case d.ToClient != nil:
		logger.Noticef("proxy: synthesized reply for %s.%s", h.Interface, h.Member)
	}
}

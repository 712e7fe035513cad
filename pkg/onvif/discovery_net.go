/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package onvif

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// DiscoveryPort is the WS-Discovery UDP port.
	DiscoveryPort = 3702

	multicastTTL  = 2
	maxDatagram   = 64 << 10
	readSliceTime = 250 * time.Millisecond
)

var multicastGroup = net.IPv4(239, 255, 255, 250)

// MatchFunc receives a decoded announcement and the address it came from.
type MatchFunc func(match ProbeMatch, from netip.Addr)

func multicastInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []net.Interface

	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}

		out = append(out, ifi)
	}

	return out
}

// ProbeMulticast sends a Probe to the WS-Discovery group on every multicast
// interface and reports matches until wait elapses or ctx ends.
func ProbeMulticast(ctx context.Context, wait time.Duration, onMatch MatchFunc) error {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("listen udp4: %w", err)
	}
	defer func() { _ = conn.Close() }()

	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastTTL(multicastTTL)

	msg, _ := NewProbe()
	dst := &net.UDPAddr{IP: multicastGroup, Port: DiscoveryPort}

	ifaces := multicastInterfaces()
	if len(ifaces) == 0 {
		if _, err := pc.WriteTo(msg, nil, dst); err != nil {
			return fmt.Errorf("send probe: %w", err)
		}
	}

	for i := range ifaces {
		if err := pc.SetMulticastInterface(&ifaces[i]); err != nil {
			continue
		}

		_, _ = pc.WriteTo(msg, nil, dst)
	}

	return readMatches(ctx, pc, time.Now().Add(wait), onMatch)
}

// ListenHello joins the WS-Discovery group and reports Hello announcements
// until ctx ends. Binding the well-known port fails if another discovery
// agent already owns it.
func ListenHello(ctx context.Context, onMatch MatchFunc) error {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", DiscoveryPort))
	if err != nil {
		return fmt.Errorf("listen ws-discovery port: %w", err)
	}
	defer func() { _ = conn.Close() }()

	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: multicastGroup}

	joined := 0

	for _, ifi := range multicastInterfaces() {
		if err := pc.JoinGroup(&ifi, group); err == nil {
			joined++
		}
	}

	if joined == 0 {
		if err := pc.JoinGroup(nil, group); err != nil {
			return fmt.Errorf("join ws-discovery group: %w", err)
		}
	}

	return readMatches(ctx, pc, time.Time{}, onMatch)
}

// ProbeUnicast sends a Probe directly to host and returns the matches
// received before timeout.
func ProbeUnicast(ctx context.Context, host string, timeout time.Duration) ([]ProbeMatch, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "udp4", net.JoinHostPort(host, fmt.Sprint(DiscoveryPort)))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}
	defer func() { _ = conn.Close() }()

	msg, id := NewProbe()
	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("send probe: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	_ = conn.SetReadDeadline(deadline)

	buf := make([]byte, maxDatagram)

	var out []ProbeMatch

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if len(out) > 0 || isTimeout(err) {
				return out, nil
			}

			return nil, err
		}

		matches, perr := ParseDiscoveryMessage(buf[:n])
		if perr != nil {
			continue
		}

		for _, m := range matches {
			if m.RelatesTo == "" || m.RelatesTo == id {
				out = append(out, m)
			}
		}

		if len(out) > 0 {
			return out, nil
		}
	}
}

func readMatches(ctx context.Context, pc *ipv4.PacketConn, until time.Time, onMatch MatchFunc) error {
	buf := make([]byte, maxDatagram)

	for {
		if ctx.Err() != nil {
			return nil
		}

		slice := time.Now().Add(readSliceTime)
		if !until.IsZero() {
			if time.Now().After(until) {
				return nil
			}

			if until.Before(slice) {
				slice = until
			}
		}

		_ = pc.SetReadDeadline(slice)

		n, _, src, err := pc.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}

			return err
		}

		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		from, ok := netip.AddrFromSlice(udp.IP.To4())
		if !ok {
			continue
		}

		matches, err := ParseDiscoveryMessage(buf[:n])
		if err != nil {
			continue
		}

		for _, m := range matches {
			onMatch(m, from)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

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

package sweeper

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/carverauto/camradar/pkg/onvif"
)

// WSDiscoveryListener multicasts an ONVIF Probe and optionally listens for
// unsolicited Hello announcements.
type WSDiscoveryListener struct {
	Hello bool
}

func (*WSDiscoveryListener) Name() string { return "ws-discovery" }

func (l *WSDiscoveryListener) Listen(ctx context.Context, emit func(Candidate)) error {
	onMatch := func(m onvif.ProbeMatch, from netip.Addr) {
		addr := from

		if h, err := netip.ParseAddr(m.Host()); err == nil && h.Is4() {
			addr = h
		}

		emit(Candidate{
			Address:     addr,
			Source:      SourceWSDiscovery,
			ServiceURLs: m.XAddrs,
			EndpointRef: m.UUID(),
			Scopes:      m.Scopes,
			Name:        m.Scope("name"),
		})
	}

	if l.Hello {
		go func() {
			_ = onvif.ListenHello(ctx, onMatch)
		}()
	}

	wait := time.Until(deadlineOr(ctx, time.Now().Add(defaultPassiveWindow)))

	return onvif.ProbeMulticast(ctx, wait, onMatch)
}

func deadlineOr(ctx context.Context, def time.Time) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}

	return def
}

// MDNSServices are the DNS-SD service types cameras commonly register.
var MDNSServices = []string{"_rtsp._tcp", "_onvif._tcp", "_axis-video._tcp"}

// MDNSListener browses DNS-SD service types on the local link.
type MDNSListener struct {
	Services []string
}

func (*MDNSListener) Name() string { return "mdns" }

func (l *MDNSListener) Listen(ctx context.Context, emit func(Candidate)) error {
	services := l.Services
	if len(services) == 0 {
		services = MDNSServices
	}

	errCh := make(chan error, len(services))

	for _, svc := range services {
		go func(service string) {
			errCh <- browse(ctx, service, emit)
		}(svc)
	}

	var firstErr error

	for range services {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func browse(ctx context.Context, service string, emit func(Candidate)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return fmt.Errorf("mdns browse %s: %w", service, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}

			for _, c := range candidatesFromEntry(entry) {
				emit(c)
			}
		}
	}
}

func candidatesFromEntry(entry *zeroconf.ServiceEntry) []Candidate {
	if entry == nil {
		return nil
	}

	var out []Candidate

	for _, ip := range entry.AddrIPv4 {
		addr, ok := netip.AddrFromSlice(ip.To4())
		if !ok {
			continue
		}

		c := Candidate{
			Address: addr,
			Source:  SourceMDNS,
			Name:    entry.Instance,
		}

		if entry.Port > 0 {
			c.OpenPorts = []int{entry.Port}
			c.ServiceURLs = []string{mdnsURL(entry.Service, net.JoinHostPort(addr.String(), strconv.Itoa(entry.Port)))}
		}

		out = append(out, c)
	}

	return out
}

func mdnsURL(service, hostport string) string {
	switch service {
	case "_rtsp._tcp":
		return "rtsp://" + hostport + "/"
	case "_onvif._tcp":
		return "http://" + hostport + "/onvif/device_service"
	default:
		return "http://" + hostport + "/"
	}
}

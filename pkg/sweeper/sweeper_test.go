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
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/scan"
)

type fakeListener struct {
	name  string
	found []Candidate
}

func (f *fakeListener) Name() string { return f.name }

func (f *fakeListener) Listen(_ context.Context, emit func(Candidate)) error {
	for _, c := range f.found {
		emit(c)
	}

	return nil
}

// fakeScanner reports a port open when it appears in open; hosts in hang
// never answer.
type fakeScanner struct {
	open    map[string][]int
	hang    map[string]bool
	scanned []models.Target
}

func (f *fakeScanner) Scan(ctx context.Context, targets []models.Target) (<-chan models.Result, error) {
	f.scanned = targets
	out := make(chan models.Result)

	go func() {
		defer close(out)

		for _, t := range targets {
			if f.hang[t.Host] && !contains(f.open[t.Host], t.Port) {
				<-ctx.Done()
				return
			}

			r := models.Result{Target: t, Available: contains(f.open[t.Host], t.Port)}

			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (*fakeScanner) Stop() error { return nil }

func contains(ports []int, p int) bool {
	for _, x := range ports {
		if x == p {
			return true
		}
	}

	return false
}

func collect(ch <-chan Candidate) []Candidate {
	var out []Candidate

	for c := range ch {
		out = append(out, c)
	}

	return out
}

func fixedSubnet(cidr string) SubnetSource {
	return func() ([]netip.Prefix, error) {
		return []netip.Prefix{netip.MustParsePrefix(cidr)}, nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Ports = []int{554, 80}
	cfg.PassiveWindow = models.Duration(50 * time.Millisecond)
	cfg.SweepTimeout = models.Duration(2 * time.Second)

	return cfg
}

func TestSweepDeduplicatesPassiveAndActive(t *testing.T) {
	addr := netip.MustParseAddr("192.168.1.10")

	wsd := &fakeListener{name: "wsd", found: []Candidate{
		{Address: addr, Source: SourceWSDiscovery, EndpointRef: "urn:uuid:1"},
	}}
	mdns := &fakeListener{name: "mdns", found: []Candidate{
		{Address: addr, Source: SourceMDNS},
		{Address: netip.MustParseAddr("192.168.1.11"), Source: SourceMDNS},
	}}

	scanner := &fakeScanner{open: map[string][]int{
		"192.168.1.10": {554},
		"192.168.1.12": {80, 554},
	}}

	s := NewNetworkSweeper(testConfig(), logger.NewTestLogger(),
		WithListeners(wsd, mdns),
		WithScanner(scanner),
		WithSubnetSource(fixedSubnet("192.168.1.8/29")))

	got := collect(s.Sweep(context.Background()))

	byAddr := map[string]Candidate{}
	for _, c := range got {
		_, dup := byAddr[c.Address.String()]
		require.False(t, dup, "duplicate candidate %s", c.Address)

		byAddr[c.Address.String()] = c
	}

	require.Len(t, byAddr, 3)
	assert.Equal(t, []int{80, 554}, byAddr["192.168.1.12"].OpenPorts)
	assert.Equal(t, SourceTCP, byAddr["192.168.1.12"].Source)

	for _, tgt := range scanner.scanned {
		assert.NotEqual(t, "192.168.1.10", tgt.Host, "passively found host must not be actively probed")
		assert.NotEqual(t, "192.168.1.11", tgt.Host)
	}
}

func TestSweepTimeoutOmitsUnansweredHosts(t *testing.T) {
	scanner := &fakeScanner{
		open: map[string][]int{"10.0.0.1": {80}, "10.0.0.2": {554}},
		hang: map[string]bool{"10.0.0.2": true},
	}

	cfg := testConfig()
	cfg.SweepTimeout = models.Duration(200 * time.Millisecond)

	s := NewNetworkSweeper(cfg, logger.NewTestLogger(),
		WithListeners(),
		WithScanner(scanner),
		WithSubnetSource(fixedSubnet("10.0.0.0/30")))

	start := time.Now()
	got := collect(s.Sweep(context.Background()))

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, got, 1, "10.0.0.2 answered on 554 but never on 80")
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), got[0].Address)
	assert.Equal(t, []int{80}, got[0].OpenPorts)
}

func TestSweepMergesPassiveSightingsOfOneAddress(t *testing.T) {
	addr := netip.MustParseAddr("192.168.1.20")

	mdns := &fakeListener{name: "mdns", found: []Candidate{
		{Address: addr, Source: SourceMDNS, Name: "Front Door", ServiceURLs: []string{"rtsp://192.168.1.20:554"}},
	}}
	wsd := &fakeListener{name: "wsd", found: []Candidate{
		{Address: addr, Source: SourceWSDiscovery, EndpointRef: "urn:uuid:front",
			ServiceURLs: []string{"http://192.168.1.20/onvif/device_service"}},
	}}

	cfg := testConfig()
	cfg.ActiveProbes = false

	s := NewNetworkSweeper(cfg, logger.NewTestLogger(), WithListeners(mdns, wsd))

	got := collect(s.Sweep(context.Background()))

	require.Len(t, got, 1)
	assert.Equal(t, SourceWSDiscovery, got[0].Source)
	assert.Equal(t, "urn:uuid:front", got[0].EndpointRef)
	assert.Equal(t, "Front Door", got[0].Name)
	assert.ElementsMatch(t, []string{
		"rtsp://192.168.1.20:554",
		"http://192.168.1.20/onvif/device_service",
	}, got[0].ServiceURLs)
}

func TestMDNSListenerReturnsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		// Without a multicast interface the resolver errors; either way it returns.
		_ = (&MDNSListener{Services: []string{"_rtsp._tcp", "_onvif._tcp"}}).Listen(ctx, func(Candidate) {})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mdns listener did not return after cancellation")
	}
}

func TestSweepSilentNetworkProducesNothing(t *testing.T) {
	s := NewNetworkSweeper(testConfig(), logger.NewTestLogger(),
		WithListeners(),
		WithScanner(&fakeScanner{}),
		WithSubnetSource(fixedSubnet("10.1.0.0/30")))

	assert.Empty(t, collect(s.Sweep(context.Background())))
}

func TestSweepWithRealTCPScanner(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}

			_ = c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port

	cfg := testConfig()
	cfg.Ports = []int{port}

	s := NewNetworkSweeper(cfg, logger.NewTestLogger(),
		WithListeners(),
		WithScanner(scan.NewTCPSweeper(time.Second, 4, logger.NewTestLogger())),
		WithSubnetSource(fixedSubnet("127.0.0.1/32")))

	got := collect(s.Sweep(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, "127.0.0.1", got[0].Address.String())
	assert.Equal(t, []int{port}, got[0].OpenPorts)
}

func TestConfiguredSubnetsAcceptsBareAddresses(t *testing.T) {
	cfg := testConfig()
	cfg.Subnets = []string{"192.168.5.0/24", "10.0.0.9"}

	s := NewNetworkSweeper(cfg, logger.NewTestLogger())

	prefixes, err := s.configuredSubnets()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("192.168.5.0/24"),
		netip.MustParsePrefix("10.0.0.9/32"),
	}, prefixes)

	cfg.Subnets = []string{"not-a-subnet"}
	_, err = NewNetworkSweeper(cfg, logger.NewTestLogger()).configuredSubnets()
	assert.Error(t, err)
}

func TestCandidatesFromMDNSEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("Front Door", "_rtsp._tcp", "local.")
	entry.Port = 8554
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.40")}

	got := candidatesFromEntry(entry)
	require.Len(t, got, 1)
	assert.Equal(t, "Front Door", got[0].Name)
	assert.Equal(t, []string{"rtsp://192.168.1.40:8554/"}, got[0].ServiceURLs)
	assert.Nil(t, candidatesFromEntry(nil))
}

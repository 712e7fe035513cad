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

// Package sweeper enumerates candidate camera addresses on local subnets,
// first from passive announcements and then by active port probing.
package sweeper

import (
	"context"
	"net/netip"
	"slices"
	"time"

	"github.com/carverauto/camradar/pkg/models"
)

// DefaultCameraPorts are the TCP ports probed during the active phase.
var DefaultCameraPorts = []int{554, 80, 8080, 8000, 8888, 37777, 34567, 443, 88, 4520}

const (
	defaultConnectTimeout = 1500 * time.Millisecond
	defaultSweepTimeout   = 45 * time.Second
	defaultPassiveWindow  = 3 * time.Second
	defaultConcurrency    = 64
	defaultRateLimit      = 200
	defaultMaxHosts       = 4096
)

// Config controls one sweep.
type Config struct {
	// Subnets in CIDR notation; empty means derive them from local interfaces.
	Subnets        []string        `json:"subnets"`
	Ports          []int           `json:"ports"`
	ConnectTimeout models.Duration `json:"connect_timeout"`
	SweepTimeout   models.Duration `json:"sweep_timeout"`
	PassiveWindow  models.Duration `json:"passive_window"`
	Concurrency    int             `json:"concurrency"`
	// RateLimit caps connection attempts per second.
	RateLimit    int  `json:"rate_limit"`
	MaxHosts     int  `json:"max_hosts"`
	WSDiscovery  bool `json:"ws_discovery"`
	ListenHello  bool `json:"listen_hello"`
	MDNS         bool `json:"mdns"`
	ActiveProbes bool `json:"active_probes"`
}

// DefaultConfig enables every discovery source with conservative limits.
func DefaultConfig() Config {
	return Config{
		Ports:          slices.Clone(DefaultCameraPorts),
		ConnectTimeout: models.Duration(defaultConnectTimeout),
		SweepTimeout:   models.Duration(defaultSweepTimeout),
		PassiveWindow:  models.Duration(defaultPassiveWindow),
		Concurrency:    defaultConcurrency,
		RateLimit:      defaultRateLimit,
		MaxHosts:       defaultMaxHosts,
		WSDiscovery:    true,
		MDNS:           true,
		ActiveProbes:   true,
	}
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if len(c.Ports) == 0 {
		c.Ports = slices.Clone(DefaultCameraPorts)
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = models.Duration(defaultConnectTimeout)
	}

	if c.SweepTimeout <= 0 {
		c.SweepTimeout = models.Duration(defaultSweepTimeout)
	}

	if c.PassiveWindow <= 0 {
		c.PassiveWindow = models.Duration(defaultPassiveWindow)
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	if c.MaxHosts <= 0 {
		c.MaxHosts = defaultMaxHosts
	}

	return c
}

// Source identifies how a candidate was found.
type Source string

const (
	SourceWSDiscovery Source = "ws-discovery"
	SourceMDNS        Source = "mdns"
	SourceTCP         Source = "tcp"
)

// Candidate is an address that may host a camera.
type Candidate struct {
	Address netip.Addr
	Source  Source
	// OpenPorts is filled by the active phase.
	OpenPorts []int
	// ServiceURLs are announced endpoints (ONVIF XAddrs, mDNS host:port).
	ServiceURLs []string
	// EndpointRef is the WS-Discovery endpoint reference, a stable device UUID.
	EndpointRef string
	Scopes      []string
	Name        string
}

// merge folds b, another sighting of the same address, into c. WS-Discovery
// sightings win the source since they carry the endpoint reference.
func (c Candidate) merge(b Candidate) Candidate {
	if c.EndpointRef == "" {
		c.EndpointRef = b.EndpointRef
	}

	if c.Name == "" {
		c.Name = b.Name
	}

	if b.Source == SourceWSDiscovery {
		c.Source = SourceWSDiscovery
	}

	c.ServiceURLs = appendMissing(c.ServiceURLs, b.ServiceURLs...)
	c.Scopes = appendMissing(c.Scopes, b.Scopes...)
	c.OpenPorts = appendMissing(c.OpenPorts, b.OpenPorts...)

	return c
}

func appendMissing[T comparable](dst []T, src ...T) []T {
	for _, v := range src {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}

	return dst
}

// PassiveListener reports self-announcing devices until ctx ends.
type PassiveListener interface {
	Name() string
	Listen(ctx context.Context, emit func(Candidate)) error
}

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

// Package probe classifies candidate addresses as cameras by trying an
// ordered set of protocol adapters and resolving a stable device identity.
package probe

import (
	"context"
	"errors"
	"time"

	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/sweeper"
)

var (
	// ErrNoCamera is returned when no adapter accepted the candidate.
	ErrNoCamera = errors.New("no camera present")
	// ErrNoStableIdentity is returned for cameras lacking a serial, endpoint
	// reference or MAC address. They are retried on the next cycle.
	ErrNoStableIdentity = errors.New("no stable device identifier")
)

const (
	defaultAttemptTimeout    = 3 * time.Second
	defaultProbeConcurrency  = 20
	defaultMaxDescribeTries  = 12
	defaultSNMPCommunity     = "public"
	defaultSNMPTimeout       = 2 * time.Second
	defaultARPTablePath      = "/proc/net/arp"
	defaultUnicastWSDTimeout = 1500 * time.Millisecond
)

// SNMPConfig enables MAC lookup over SNMP for hosts missing from the ARP table.
type SNMPConfig struct {
	Enabled   bool            `json:"enabled"`
	Community string          `json:"community"`
	Port      uint16          `json:"port"`
	Timeout   models.Duration `json:"timeout"`
}

// Config controls the prober.
type Config struct {
	AttemptTimeout models.Duration     `json:"attempt_timeout"`
	Concurrency    int                 `json:"concurrency"`
	Credentials    []models.Credential `json:"credentials"`
	// RTSPPaths are tried after the brand templates.
	RTSPPaths        []string   `json:"rtsp_paths"`
	MaxDescribeTries int        `json:"max_describe_tries"`
	ARPTable         string     `json:"arp_table"`
	SNMP             SNMPConfig `json:"snmp"`
	// AliasFile persists device identity aliases; empty keeps them in memory.
	AliasFile string `json:"alias_file"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = models.Duration(defaultAttemptTimeout)
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultProbeConcurrency
	}

	if len(c.Credentials) == 0 {
		c.Credentials = models.DefaultCredentials
	}

	if c.MaxDescribeTries <= 0 {
		c.MaxDescribeTries = defaultMaxDescribeTries
	}

	if c.ARPTable == "" {
		c.ARPTable = defaultARPTablePath
	}

	if c.SNMP.Community == "" {
		c.SNMP.Community = defaultSNMPCommunity
	}

	if c.SNMP.Port == 0 {
		c.SNMP.Port = 161
	}

	if c.SNMP.Timeout <= 0 {
		c.SNMP.Timeout = models.Duration(defaultSNMPTimeout)
	}

	return c
}

// Finding is what one adapter learned about a candidate.
type Finding struct {
	Protocol     models.ProtocolKind
	Capabilities models.Capabilities
	Ports        []int
	Identity     IdentityHints
}

// Adapter is a device-facing protocol. Discover returns an error wrapping
// models.ErrProbeRejected when the device does not speak the protocol.
type Adapter interface {
	Kind() models.ProtocolKind
	Discover(ctx context.Context, c sweeper.Candidate) (*Finding, error)
	Describe(ctx context.Context, d *models.Device) ([]models.StreamEndpoint, error)
}

// Result is a classified camera with its candidate stream endpoints.
type Result struct {
	Device    *models.Device
	Endpoints []models.StreamEndpoint
}

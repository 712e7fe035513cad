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

package agent

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/camradar/pkg/bridge"
	"github.com/carverauto/camradar/pkg/events"
	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/probe"
	"github.com/carverauto/camradar/pkg/registry"
	"github.com/carverauto/camradar/pkg/reporting"
	"github.com/carverauto/camradar/pkg/sweeper"
	"github.com/carverauto/camradar/pkg/telemetry"
	"github.com/carverauto/camradar/pkg/transcoder"
	"github.com/carverauto/camradar/pkg/validator"
)

const (
	defaultDiscoveryInterval = 60 * time.Second
	defaultAliasFile         = "camradar-aliases.json"
	defaultCeilingFactor     = 2.0
	defaultRestartInitial    = time.Second
	defaultRestartMax        = time.Minute
	defaultStableAfter       = time.Minute
)

var (
	errCeilingFactor = errors.New("cycle_ceiling_factor must be at least 1")
	errIntervalShort = errors.New("discovery_interval must be at least one second")
)

// RestartConfig bounds how failed components are restarted.
type RestartConfig struct {
	Initial models.Duration `json:"initial"`
	Max     models.Duration `json:"max"`
	// StableAfter resets the backoff once a component has run this long.
	StableAfter models.Duration `json:"stable_after"`
}

// Config is the agent configuration file.
type Config struct {
	AgentID            string          `json:"agent_id"`
	Logging            *logger.Config  `json:"logging,omitempty"`
	DiscoveryInterval  models.Duration `json:"discovery_interval"`
	CycleCeilingFactor float64         `json:"cycle_ceiling_factor"`

	Sweep      sweeper.Config       `json:"sweep"`
	Probe      probe.Config         `json:"probe"`
	Validation validator.Config     `json:"validation"`
	Registry   registry.Config      `json:"registry"`
	Events     events.Config        `json:"events"`
	Bridge     bridge.Config        `json:"bridge"`
	Preview    bridge.PreviewConfig `json:"preview"`
	Transcoder transcoder.Config    `json:"transcoder"`
	Reporting  reporting.Config     `json:"reporting"`
	Telemetry  telemetry.Config     `json:"telemetry"`
	Control    ControlConfig        `json:"control"`
	Restart    RestartConfig        `json:"restart"`
	Autostart  AutostartConfig      `json:"autostart"`
}

// DefaultConfig is the base that configuration files are decoded over.
func DefaultConfig() Config {
	return Config{
		DiscoveryInterval:  models.Duration(defaultDiscoveryInterval),
		CycleCeilingFactor: defaultCeilingFactor,
		Sweep:              sweeper.DefaultConfig(),
		Probe:              probe.Config{AliasFile: defaultAliasFile},
		Preview:            bridge.PreviewConfig{Enabled: true},
		Bridge:             bridge.Config{Advertise: true},
	}
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		c.AgentID = defaultAgentID()
	}

	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = models.Duration(defaultDiscoveryInterval)
	}

	if c.DiscoveryInterval.Std() < time.Second {
		return errIntervalShort
	}

	if c.CycleCeilingFactor == 0 {
		c.CycleCeilingFactor = defaultCeilingFactor
	}

	if c.CycleCeilingFactor < 1 {
		return errCeilingFactor
	}

	c.Probe = c.Probe.WithDefaults()
	c.Validation = c.Validation.WithDefaults()

	// Registry expiry follows the validator's staleness window unless set.
	if c.Registry.StaleWindow <= 0 {
		c.Registry.StaleWindow = c.Validation.StaleWindow
	}

	c.Registry = c.Registry.WithDefaults()
	c.Events = c.Events.WithDefaults()
	c.Bridge = c.Bridge.WithDefaults()
	c.Preview = c.Preview.WithDefaults()
	c.Transcoder = c.Transcoder.WithDefaults()

	if err := c.Reporting.Validate(); err != nil {
		return fmt.Errorf("reporting: %w", err)
	}

	c.Reporting = c.Reporting.WithDefaults()

	if c.Control.Enabled && (!c.Reporting.Enabled || c.Reporting.Sink != reporting.SinkHTTP) {
		return errControlNeedsHTTP
	}

	c.Control = c.Control.WithDefaults()

	c.Restart.Initial = models.Duration(c.Restart.Initial.Or(defaultRestartInitial))
	c.Restart.Max = models.Duration(c.Restart.Max.Or(defaultRestartMax))
	c.Restart.StableAfter = models.Duration(c.Restart.StableAfter.Or(defaultStableAfter))

	return nil
}

// CycleCeiling is the hard limit on one discovery cycle.
func (c *Config) CycleCeiling() time.Duration {
	return time.Duration(float64(c.DiscoveryInterval.Std()) * c.CycleCeilingFactor)
}

// defaultAgentID prefers AGENT_ID, then a name-based UUID of the host.
func defaultAgentID() string {
	if id := os.Getenv("AGENT_ID"); id != "" {
		return id
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}

	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host)).String()
}

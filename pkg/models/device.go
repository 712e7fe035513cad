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

package models

import (
	"slices"
	"time"
)

// DeviceID is the stable identity of a camera. It is derived from hardware
// identifiers and never from the network address.
type DeviceID string

// HealthStatus summarizes the latest knowledge about a device.
type HealthStatus string

const (
	HealthUnknown     HealthStatus = "unknown"
	HealthReachable   HealthStatus = "reachable"
	HealthValidated   HealthStatus = "validated"
	HealthUnreachable HealthStatus = "unreachable"
)

// ProtocolKind names a device-facing protocol adapter.
type ProtocolKind string

const (
	ProtocolRTSP  ProtocolKind = "rtsp"
	ProtocolONVIF ProtocolKind = "onvif"
	ProtocolHTTP  ProtocolKind = "http"
)

// Capabilities is what a device declared during probing.
type Capabilities struct {
	StreamProtocols []ProtocolKind `json:"stream_protocols,omitempty"`
	Events          bool           `json:"events"`
	Brand           string         `json:"brand,omitempty"`
	Manufacturer    string         `json:"manufacturer,omitempty"`
	Model           string         `json:"model,omitempty"`
	Firmware        string         `json:"firmware,omitempty"`
	// ServiceURL is the ONVIF device service address, when known.
	ServiceURL string `json:"service_url,omitempty"`
}

// Merge folds other into c. Non-empty scalar fields of other win.
func (c Capabilities) Merge(other Capabilities) Capabilities {
	out := c
	out.StreamProtocols = slices.Clone(c.StreamProtocols)

	for _, p := range other.StreamProtocols {
		if !slices.Contains(out.StreamProtocols, p) {
			out.StreamProtocols = append(out.StreamProtocols, p)
		}
	}

	out.Events = c.Events || other.Events

	pick := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}

	pick(&out.Brand, other.Brand)
	pick(&out.Manufacturer, other.Manufacturer)
	pick(&out.Model, other.Model)
	pick(&out.Firmware, other.Firmware)
	pick(&out.ServiceURL, other.ServiceURL)

	return out
}

// Device is a classified camera.
type Device struct {
	ID             DeviceID     `json:"id"`
	Address        string       `json:"address"`
	MAC            string       `json:"mac,omitempty"`
	Serial         string       `json:"serial,omitempty"`
	IdentitySource string       `json:"identity_source"`
	Ports          []int        `json:"ports,omitempty"`
	Capabilities   Capabilities `json:"capabilities"`
	// EventsAvailable is cleared when subscriptions keep failing and
	// restored on the next discovery cycle.
	EventsAvailable bool         `json:"events_available"`
	DiscoveredAt    time.Time    `json:"discovered_at"`
	LastSeen        time.Time    `json:"last_seen"`
	Health          HealthStatus `json:"health"`
}

// Clone returns a deep copy safe to hand to readers.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}

	out := *d
	out.Ports = slices.Clone(d.Ports)
	out.Capabilities.StreamProtocols = slices.Clone(d.Capabilities.StreamProtocols)

	return &out
}

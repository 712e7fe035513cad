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

package registry

import (
	"slices"
	"strings"
	"time"

	"github.com/carverauto/camradar/pkg/models"
)

// Entry is everything the registry knows about one device. Entries reachable
// from a published Snapshot are never modified.
type Entry struct {
	Device       models.Device
	Endpoints    []models.StreamEndpoint
	Subscription *models.EventSubscription
}

func (e *Entry) clone() *Entry {
	out := &Entry{
		Device:    *e.Device.Clone(),
		Endpoints: slices.Clone(e.Endpoints),
	}

	if e.Subscription != nil {
		sub := *e.Subscription
		out.Subscription = &sub
	}

	return out
}

// Snapshot is an immutable view of the registry at one version.
type Snapshot struct {
	Version uint64
	At      time.Time

	staleWindow time.Duration
	entries     map[models.DeviceID]*Entry
}

func emptySnapshot(stale time.Duration) *Snapshot {
	return &Snapshot{staleWindow: stale, entries: map[models.DeviceID]*Entry{}}
}

func (s *Snapshot) Len() int {
	return len(s.entries)
}

func (s *Snapshot) ids() []models.DeviceID {
	ids := make([]models.DeviceID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Device returns a copy of the device with the given ID.
func (s *Snapshot) Device(id models.DeviceID) (*models.Device, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}

	return e.Device.Clone(), true
}

// Devices returns copies of all devices ordered by ID.
func (s *Snapshot) Devices() []*models.Device {
	out := make([]*models.Device, 0, len(s.entries))
	for _, id := range s.ids() {
		out = append(out, s.entries[id].Device.Clone())
	}

	return out
}

// DeviceByAddress finds the device currently seen at addr.
func (s *Snapshot) DeviceByAddress(addr string) (*models.Device, bool) {
	for _, id := range s.ids() {
		if e := s.entries[id]; strings.EqualFold(e.Device.Address, addr) {
			return e.Device.Clone(), true
		}
	}

	return nil, false
}

// Endpoints returns every endpoint with the staleness window folded into its
// state at now.
func (s *Snapshot) Endpoints(now time.Time) []models.StreamEndpoint {
	var out []models.StreamEndpoint

	for _, id := range s.ids() {
		for _, ep := range s.entries[id].Endpoints {
			ep.State = ep.EffectiveState(now, s.staleWindow)
			out = append(out, ep)
		}
	}

	return out
}

// DeviceEndpoints returns the endpoints of one device.
func (s *Snapshot) DeviceEndpoints(id models.DeviceID, now time.Time) []models.StreamEndpoint {
	e, ok := s.entries[id]
	if !ok {
		return nil
	}

	out := make([]models.StreamEndpoint, 0, len(e.Endpoints))
	for _, ep := range e.Endpoints {
		ep.State = ep.EffectiveState(now, s.staleWindow)
		out = append(out, ep)
	}

	return out
}

// Subscription returns the current event subscription of a device.
func (s *Snapshot) Subscription(id models.DeviceID) (models.EventSubscription, bool) {
	e, ok := s.entries[id]
	if !ok || e.Subscription == nil {
		return models.EventSubscription{}, false
	}

	return *e.Subscription, true
}

// Inventory is the served view: endpoints that are not currently valid,
// including those past the staleness window, are left out.
func (s *Snapshot) Inventory(now time.Time) models.Inventory {
	inv := models.Inventory{
		Version:     s.Version,
		GeneratedAt: now.UTC(),
		Devices:     make([]models.InventoryDevice, 0, len(s.entries)),
	}

	for _, id := range s.ids() {
		inv.Devices = append(inv.Devices, served(s.entries[id], now, s.staleWindow))
	}

	return inv
}

// InventoryDevice is the served view of one device.
func (s *Snapshot) InventoryDevice(id models.DeviceID, now time.Time) (models.InventoryDevice, bool) {
	e, ok := s.entries[id]
	if !ok {
		return models.InventoryDevice{}, false
	}

	return served(e, now, s.staleWindow), true
}

func served(e *Entry, now time.Time, stale time.Duration) models.InventoryDevice {
	out := models.InventoryDevice{
		Device:    *e.Device.Clone(),
		Endpoints: []models.StreamEndpoint{},
	}

	for _, ep := range e.Endpoints {
		if ep.Servable(now, stale) {
			out.Endpoints = append(out.Endpoints, ep)
		}
	}

	if e.Subscription != nil {
		sub := *e.Subscription
		out.Subscription = &sub
	}

	return out
}

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
	"time"

	"github.com/carverauto/camradar/pkg/models"
)

// Mutation is a change request applied by the registry's owning task.
// Mutations are plain values so a sequence of them can be replayed.
type Mutation interface {
	apply(s *state, now time.Time)
}

// Observe records a classified device from a probe pass. Re-observing a
// known identity refreshes it in place; it never creates a second entry.
type Observe struct {
	Device    *models.Device
	Endpoints []models.StreamEndpoint
}

func (m Observe) apply(s *state, now time.Time) {
	if m.Device == nil || m.Device.ID == "" {
		return
	}

	d := m.Device
	e, existed := s.edit(d.ID)

	if !existed {
		e.Device = *d.Clone()
		if e.Device.DiscoveredAt.IsZero() {
			e.Device.DiscoveredAt = now
		}

		e.Device.Health = models.HealthUnknown
	} else {
		dev := &e.Device
		dev.Address = d.Address
		dev.Ports = slices.Clone(d.Ports)
		dev.Capabilities = dev.Capabilities.Merge(d.Capabilities)

		if d.MAC != "" {
			dev.MAC = d.MAC
		}

		if d.Serial != "" {
			dev.Serial = d.Serial
		}

		if d.IdentitySource != "" {
			dev.IdentitySource = d.IdentitySource
		}
	}

	e.Device.LastSeen = now
	// A new discovery cycle restores event capability.
	e.Device.EventsAvailable = e.Device.Capabilities.Events
	s.misses[d.ID] = 0

	if len(m.Endpoints) > 0 {
		e.Endpoints = mergeEndpoints(d.ID, e.Endpoints, m.Endpoints)
	}
}

func mergeEndpoints(id models.DeviceID, current, incoming []models.StreamEndpoint) []models.StreamEndpoint {
	out := make([]models.StreamEndpoint, 0, len(incoming))

	for _, ep := range incoming {
		if slices.ContainsFunc(out, func(o models.StreamEndpoint) bool { return o.URL == ep.URL }) {
			continue
		}

		if i := slices.IndexFunc(current, func(c models.StreamEndpoint) bool { return c.URL == ep.URL }); i >= 0 {
			kept := current[i]
			if kept.Protocol == "" {
				kept.Protocol = ep.Protocol
			}

			out = append(out, kept)

			continue
		}

		ep.DeviceID = id
		ep.State = models.ValidationPending
		ep.Reason = ""
		out = append(out, ep)
	}

	return out
}

// Validated stores the outcome of a stream validation.
type Validated struct {
	Endpoint models.StreamEndpoint
}

func (m Validated) apply(s *state, _ time.Time) {
	cur, ok := s.entries[m.Endpoint.DeviceID]
	if !ok || !slices.ContainsFunc(cur.Endpoints, func(c models.StreamEndpoint) bool { return c.URL == m.Endpoint.URL }) {
		return
	}

	e, _ := s.edit(m.Endpoint.DeviceID)
	i := slices.IndexFunc(e.Endpoints, func(c models.StreamEndpoint) bool { return c.URL == m.Endpoint.URL })
	e.Endpoints[i] = m.Endpoint
}

// CycleEnd closes a discovery cycle. Devices missing from Seen accumulate a
// miss; devices unseen for longer than the forget window are removed.
type CycleEnd struct {
	Seen []models.DeviceID
}

func (m CycleEnd) apply(s *state, now time.Time) {
	for id, e := range s.entries {
		if slices.Contains(m.Seen, id) {
			continue
		}

		if s.config.ForgetAfter > 0 && now.Sub(e.Device.LastSeen) > s.config.ForgetAfter.Std() {
			s.remove(id)
			continue
		}

		s.misses[id]++
		s.touch(id)
	}
}

// SubscriptionChanged records the state of a device's event subscription.
type SubscriptionChanged struct {
	Subscription models.EventSubscription
}

func (m SubscriptionChanged) apply(s *state, _ time.Time) {
	if _, ok := s.entries[m.Subscription.DeviceID]; !ok {
		return
	}

	e, _ := s.edit(m.Subscription.DeviceID)
	sub := m.Subscription
	e.Subscription = &sub
}

// SubscriptionCleared forgets a device's subscription after teardown.
type SubscriptionCleared struct {
	DeviceID models.DeviceID
}

func (m SubscriptionCleared) apply(s *state, _ time.Time) {
	if cur, ok := s.entries[m.DeviceID]; !ok || cur.Subscription == nil {
		return
	}

	e, _ := s.edit(m.DeviceID)
	e.Subscription = nil
}

// EventsUnavailable turns off event capability until the next discovery
// cycle observes the device again.
type EventsUnavailable struct {
	DeviceID models.DeviceID
}

func (m EventsUnavailable) apply(s *state, _ time.Time) {
	if _, ok := s.entries[m.DeviceID]; !ok {
		return
	}

	e, _ := s.edit(m.DeviceID)
	e.Device.EventsAvailable = false
	e.Subscription = nil
}

type barrier struct {
	done chan struct{}
}

func (barrier) apply(*state, time.Time) {}

// expireStale moves valid endpoints past the staleness window to expired.
type expireStale struct{}

func (expireStale) apply(s *state, now time.Time) {
	window := s.config.StaleWindow.Std()

	for id, cur := range s.entries {
		if !slices.ContainsFunc(cur.Endpoints, func(ep models.StreamEndpoint) bool {
			return ep.State == models.ValidationValid && ep.Stale(now, window)
		}) {
			continue
		}

		e, _ := s.edit(id)

		for i := range e.Endpoints {
			if e.Endpoints[i].State == models.ValidationValid && e.Endpoints[i].Stale(now, window) {
				e.Endpoints[i].State = models.ValidationExpired
			}
		}
	}
}

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
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/carverauto/camradar/pkg/models"
)

// state is the owner's working copy. Entries are copied on first edit within
// a batch so the previous snapshot stays untouched.
type state struct {
	config  Config
	version uint64
	entries map[models.DeviceID]*Entry
	misses  map[models.DeviceID]int

	prev    *Snapshot
	dirty   map[models.DeviceID]bool
	removed []models.DeviceID
}

func newState(cfg Config) *state {
	return &state{
		config:  cfg,
		entries: make(map[models.DeviceID]*Entry),
		misses:  make(map[models.DeviceID]int),
		prev:    emptySnapshot(cfg.StaleWindow.Std()),
		dirty:   make(map[models.DeviceID]bool),
	}
}

func (s *state) edit(id models.DeviceID) (*Entry, bool) {
	cur, ok := s.entries[id]

	switch {
	case !ok:
		cur = &Entry{}
		s.entries[id] = cur
	case !s.dirty[id]:
		cur = cur.clone()
		s.entries[id] = cur
	}

	s.dirty[id] = true

	return cur, ok
}

func (s *state) touch(id models.DeviceID) {
	if _, ok := s.entries[id]; ok {
		s.edit(id)
	}
}

func (s *state) remove(id models.DeviceID) {
	delete(s.entries, id)
	delete(s.misses, id)
	delete(s.dirty, id)
	s.removed = append(s.removed, id)
}

func (s *state) health(e *Entry, now time.Time) models.HealthStatus {
	if s.misses[e.Device.ID] >= s.config.MissThreshold {
		return models.HealthUnreachable
	}

	failing := len(e.Endpoints) > 0

	for _, ep := range e.Endpoints {
		if ep.Servable(now, s.config.StaleWindow.Std()) {
			return models.HealthValidated
		}

		dead := ep.State == models.ValidationInvalid &&
			(ep.Reason == models.ReasonUnreachable || ep.Reason == models.ReasonTimeout) &&
			ep.Failures >= s.config.FailureThreshold
		if !dead {
			failing = false
		}
	}

	if failing {
		return models.HealthUnreachable
	}

	return models.HealthReachable
}

// commit finishes a batch: health is recomputed for edited entries, a new
// snapshot is built and the resulting changes are returned in device order.
func (s *state) commit(now time.Time) (*Snapshot, []Change) {
	if len(s.dirty) == 0 && len(s.removed) == 0 {
		return s.prev, nil
	}

	var changes []Change

	ids := slices.Sorted(maps.Keys(s.dirty))

	for _, id := range ids {
		e := s.entries[id]
		from := e.Device.Health
		to := s.health(e, now)
		e.Device.Health = to

		old, existed := s.prev.entries[id]
		if existed && reflect.DeepEqual(old, e) {
			s.entries[id] = old
			continue
		}

		if !existed || from != to {
			if tr, ok := transition(id, from, to, now); ok {
				changes = append(changes, Change{Transition: &tr})
			}
		}

		inv := served(e, now, s.config.StaleWindow.Std())
		changes = append(changes, Change{Delta: &models.InventoryDelta{Op: models.DeltaUpsert, DeviceID: id, Device: &inv}})
	}

	for _, id := range s.removed {
		if _, ok := s.prev.entries[id]; ok {
			changes = append(changes, Change{Delta: &models.InventoryDelta{Op: models.DeltaRemove, DeviceID: id}})
		}
	}

	clear(s.dirty)
	s.removed = s.removed[:0]

	if len(changes) == 0 {
		return s.prev, nil
	}

	s.version++

	for i := range changes {
		if changes[i].Delta != nil {
			changes[i].Delta.Version = s.version
		}
	}

	snap := &Snapshot{
		Version:     s.version,
		At:          now,
		staleWindow: s.config.StaleWindow.Std(),
		entries:     maps.Clone(s.entries),
	}
	s.prev = snap

	return snap, changes
}

// transition reports moves into and out of unreachable.
func transition(id models.DeviceID, from, to models.HealthStatus, now time.Time) (models.HealthTransition, bool) {
	if from == to || (from != models.HealthUnreachable && to != models.HealthUnreachable) {
		return models.HealthTransition{}, false
	}

	// The first classification of a device is not an online transition.
	if from == models.HealthUnknown && to != models.HealthUnreachable {
		return models.HealthTransition{}, false
	}

	return models.HealthTransition{DeviceID: id, From: from, To: to, At: now}, true
}

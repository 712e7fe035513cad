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

package events

import (
	"sync"
	"time"

	"github.com/carverauto/camradar/pkg/models"
)

const defaultDedupWindow = 2 * time.Second

type dedupKey struct {
	device models.DeviceID
	kind   models.EventKind
}

// Deduper suppresses repeats of the same (device, kind) arriving within
// the window of the previous one. A repeat extends the window, so a camera
// redelivering motion-start throughout an episode yields one event.
type Deduper struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[dedupKey]time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = defaultDedupWindow
	}

	return &Deduper{window: window, now: time.Now, last: make(map[dedupKey]time.Time)}
}

// opposite kinds end an episode and re-arm each other.
var opposite = map[models.EventKind]models.EventKind{
	models.EventMotionStart: models.EventMotionStop,
	models.EventMotionStop:  models.EventMotionStart,
	models.EventOffline:     models.EventOnline,
	models.EventOnline:      models.EventOffline,
}

// Allow reports whether ev should be delivered.
func (d *Deduper) Allow(ev models.NormalizedEvent) bool {
	now := d.now()
	key := dedupKey{device: ev.DeviceID(), kind: ev.Kind()}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, seen := d.last[key]
	d.last[key] = now

	if seen && now.Sub(prev) < d.window {
		return false
	}

	if other, ok := opposite[ev.Kind()]; ok {
		delete(d.last, dedupKey{device: ev.DeviceID(), kind: other})
	}

	d.prune(now)

	return true
}

func (d *Deduper) prune(now time.Time) {
	if len(d.last) < 1024 {
		return
	}

	for k, t := range d.last {
		if now.Sub(t) >= d.window {
			delete(d.last, k)
		}
	}
}

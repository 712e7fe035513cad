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

	"github.com/carverauto/camradar/pkg/models"
)

// Sink receives events. Sinks must not block.
type Sink func(models.NormalizedEvent)

// Dispatcher delivers every event to all sinks in one global order, so the
// bridge and the reporter observe identical per-device sequences.
type Dispatcher struct {
	mu    sync.Mutex
	sinks []Sink
}

func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks}
}

// Add registers another sink.
func (d *Dispatcher) Add(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Publish hands ev to every sink.
func (d *Dispatcher) Publish(ev models.NormalizedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.sinks {
		s(ev)
	}
}

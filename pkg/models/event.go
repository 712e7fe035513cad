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
	"bytes"
	"time"
)

// EventKind is the normalized classification of a device notification.
type EventKind string

const (
	EventMotionStart EventKind = "motion-start"
	EventMotionStop  EventKind = "motion-stop"
	EventTamper      EventKind = "tamper"
	EventOffline     EventKind = "offline"
	EventOnline      EventKind = "online"
	EventOther       EventKind = "other"
)

// NormalizedEvent is an immutable device event. Fields are unexported so a
// value can be shared between the bridge and the reporter without copying.
type NormalizedEvent struct {
	id        string
	deviceID  DeviceID
	kind      EventKind
	topic     string
	timestamp time.Time
	payload   []byte
}

// NewNormalizedEvent copies payload so later changes by the caller do not leak.
func NewNormalizedEvent(id string, deviceID DeviceID, kind EventKind, topic string, ts time.Time, payload []byte) NormalizedEvent {
	return NormalizedEvent{
		id:        id,
		deviceID:  deviceID,
		kind:      kind,
		topic:     topic,
		timestamp: ts,
		payload:   bytes.Clone(payload),
	}
}

func (e NormalizedEvent) ID() string           { return e.id }
func (e NormalizedEvent) DeviceID() DeviceID   { return e.deviceID }
func (e NormalizedEvent) Kind() EventKind      { return e.kind }
func (e NormalizedEvent) Topic() string        { return e.topic }
func (e NormalizedEvent) Timestamp() time.Time { return e.timestamp }

// Payload returns a copy of the raw device payload.
func (e NormalizedEvent) Payload() []byte { return bytes.Clone(e.payload) }

// EventView is the serialized form of a NormalizedEvent.
type EventView struct {
	ID        string    `json:"id"`
	DeviceID  DeviceID  `json:"device_id"`
	Kind      EventKind `json:"kind"`
	Topic     string    `json:"topic,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`
}

// View returns the wire representation.
func (e NormalizedEvent) View() EventView {
	return EventView{
		ID:        e.id,
		DeviceID:  e.deviceID,
		Kind:      e.kind,
		Topic:     e.topic,
		Timestamp: e.timestamp,
		Payload:   e.Payload(),
	}
}

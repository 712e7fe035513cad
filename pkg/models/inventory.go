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

import "time"

// InventoryDevice is a device with its servable endpoints and subscription.
type InventoryDevice struct {
	Device       Device             `json:"device"`
	Endpoints    []StreamEndpoint   `json:"endpoints"`
	Subscription *EventSubscription `json:"subscription,omitempty"`
}

// Inventory is a point-in-time view of all known devices.
type Inventory struct {
	Version     uint64            `json:"version"`
	GeneratedAt time.Time         `json:"generated_at"`
	Devices     []InventoryDevice `json:"devices"`
}

// DeltaOp is the kind of change in an InventoryDelta.
type DeltaOp string

const (
	DeltaUpsert DeltaOp = "upsert"
	DeltaRemove DeltaOp = "remove"
)

// InventoryDelta describes a change to one device.
type InventoryDelta struct {
	Version  uint64           `json:"version"`
	Op       DeltaOp          `json:"op"`
	DeviceID DeviceID         `json:"device_id"`
	Device   *InventoryDevice `json:"device,omitempty"`
}

// HealthTransition is emitted when a device's health moves into or out of
// unreachable.
type HealthTransition struct {
	DeviceID DeviceID
	From     HealthStatus
	To       HealthStatus
	At       time.Time
}

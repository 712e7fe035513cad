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

// SubscriptionState is the delivery state of an event subscription.
type SubscriptionState string

const (
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionRenewing SubscriptionState = "renewing"
	SubscriptionFailed   SubscriptionState = "failed"
)

// EventSubscription is the standing event channel of one device.
type EventSubscription struct {
	DeviceID  DeviceID          `json:"device_id"`
	Handle    string            `json:"handle"`
	Deadline  time.Time         `json:"deadline"`
	State     SubscriptionState `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	RenewedAt time.Time         `json:"renewed_at,omitempty"`
}

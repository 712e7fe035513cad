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

// RecordKind is the type of report carried by an OutboundRecord.
type RecordKind string

const (
	RecordInventory RecordKind = "inventory"
	RecordEvent     RecordKind = "event"
)

// DeliveryState tracks an OutboundRecord through the store-and-forward queue.
type DeliveryState string

const (
	DeliveryPending         DeliveryState = "pending"
	DeliverySent            DeliveryState = "sent"
	DeliveryFailedRetryable DeliveryState = "failed-retryable"
	DeliveryDiscarded       DeliveryState = "discarded"
)

// OutboundRecord is a queued report destined for the remote service.
type OutboundRecord struct {
	Seq         uint64        `json:"seq" cbor:"1,keyasint"`
	DeviceID    DeviceID      `json:"device_id" cbor:"2,keyasint"`
	Kind        RecordKind    `json:"kind" cbor:"3,keyasint"`
	Timestamp   time.Time     `json:"timestamp" cbor:"4,keyasint"`
	Payload     []byte        `json:"payload" cbor:"5,keyasint"`
	State       DeliveryState `json:"state" cbor:"6,keyasint"`
	Attempts    int           `json:"attempts" cbor:"7,keyasint"`
	NextAttempt time.Time     `json:"next_attempt,omitempty" cbor:"8,keyasint,omitempty"`
	CreatedAt   time.Time     `json:"created_at" cbor:"9,keyasint"`
	LastError   string        `json:"last_error,omitempty" cbor:"10,keyasint,omitempty"`
}

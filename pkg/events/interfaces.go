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

// Package events keeps one standing event subscription per camera, turns
// device notifications into NormalizedEvents and fans them out.
package events

//go:generate mockgen -destination=mock_events.go -package=events github.com/carverauto/camradar/pkg/events Adapter

import (
	"context"
	"time"

	"github.com/carverauto/camradar/pkg/models"
)

// Handle identifies a subscription on the device.
type Handle struct {
	Address  string
	Deadline time.Time
}

// Notification is a raw device notification before normalization.
type Notification struct {
	Topic     string
	Time      time.Time
	Operation string
	Data      map[string]string
	Raw       []byte
}

// Adapter is a device event protocol. Renew must return the new deadline.
// Pull waits up to wait for notifications and returns none on timeout.
type Adapter interface {
	Subscribe(ctx context.Context, device *models.Device) (Handle, error)
	Renew(ctx context.Context, device *models.Device, handle Handle) (time.Time, error)
	Pull(ctx context.Context, device *models.Device, handle Handle, wait time.Duration) ([]Notification, error)
	Unsubscribe(ctx context.Context, device *models.Device, handle Handle) error
}

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

// ValidationState is the lifecycle of a stream endpoint.
type ValidationState string

const (
	ValidationPending ValidationState = "pending"
	ValidationValid   ValidationState = "valid"
	ValidationInvalid ValidationState = "invalid"
	ValidationExpired ValidationState = "expired"
)

// MediaInfo is the metadata recorded for a validated stream.
type MediaInfo struct {
	Codec     string  `json:"codec,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FrameRate float64 `json:"frame_rate,omitempty"`
}

// StreamEndpoint is a candidate or validated media URL owned by a device.
type StreamEndpoint struct {
	DeviceID      DeviceID         `json:"device_id"`
	URL           string           `json:"url"`
	Protocol      ProtocolKind     `json:"protocol"`
	Media         MediaInfo        `json:"media"`
	State         ValidationState  `json:"state"`
	Reason        ValidationReason `json:"reason,omitempty"`
	LastValidated time.Time        `json:"last_validated,omitempty"`
	LastAttempt   time.Time        `json:"last_attempt,omitempty"`
	Failures      int              `json:"failures,omitempty"`
}

// Stale reports whether a valid endpoint has outlived the staleness window.
func (e *StreamEndpoint) Stale(now time.Time, window time.Duration) bool {
	if e.LastValidated.IsZero() {
		return e.State == ValidationValid
	}

	return now.Sub(e.LastValidated) > window
}

// EffectiveState folds the staleness window into State: a valid endpoint
// that has not been revalidated in time reads as expired.
func (e *StreamEndpoint) EffectiveState(now time.Time, window time.Duration) ValidationState {
	if (e.State == ValidationValid || e.State == ValidationExpired) && e.Stale(now, window) {
		return ValidationExpired
	}

	return e.State
}

// Servable reports whether the endpoint may be offered to viewers.
func (e *StreamEndpoint) Servable(now time.Time, window time.Duration) bool {
	return e.EffectiveState(now, window) == ValidationValid
}

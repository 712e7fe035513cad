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
	"errors"
	"fmt"
)

var (
	// ErrDiscoveryTimeout means a sweep or probe did not finish in time; retried next cycle.
	ErrDiscoveryTimeout = errors.New("discovery timeout")
	// ErrProbeRejected means the device does not speak the attempted protocol.
	ErrProbeRejected = errors.New("probe rejected")
	// ErrValidationFailed is wrapped by every ValidationError.
	ErrValidationFailed = errors.New("validation failed")
	// ErrSubscriptionLost means an event subscription could not be kept alive.
	ErrSubscriptionLost = errors.New("subscription lost")
	// ErrReportingUnreachable is a retryable delivery failure.
	ErrReportingUnreachable = errors.New("reporting endpoint unreachable")
	// ErrReportingRejectedPermanent is a non-retryable delivery failure.
	ErrReportingRejectedPermanent = errors.New("reporting rejected permanently")
)

// ValidationReason classifies a failed stream validation.
type ValidationReason string

const (
	ReasonUnreachable      ValidationReason = "unreachable"
	ReasonAuthRejected     ValidationReason = "auth-rejected"
	ReasonUnsupportedCodec ValidationReason = "unsupported-codec"
	ReasonTimeout          ValidationReason = "timeout"
	ReasonNotFound         ValidationReason = "not-found"
)

// ValidationError carries the reason a stream endpoint was marked invalid.
type ValidationError struct {
	Reason ValidationReason
	Err    error
}

func NewValidationError(reason ValidationReason, err error) *ValidationError {
	return &ValidationError{Reason: reason, Err: err}
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", ErrValidationFailed, e.Reason)
	}

	return fmt.Sprintf("%v: %s: %v", ErrValidationFailed, e.Reason, e.Err)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the validation reason from err, defaulting to unreachable.
func ReasonOf(err error) ValidationReason {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}

	return ReasonUnreachable
}

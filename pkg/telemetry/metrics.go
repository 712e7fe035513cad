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

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/camradar/pkg/models"
)

const (
	meterName = "github.com/carverauto/camradar"

	metricReportingRecords = "camradar_reporting_records_total"
	metricCycleDuration    = "camradar_discovery_cycle_duration_seconds"
	metricCycleDevices     = "camradar_discovery_cycle_devices"
	metricValidations      = "camradar_stream_validations_total"
)

// Outcome is what happened to one outbound record.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeRetry     Outcome = "retry"
	OutcomeExpired   Outcome = "expired"
	OutcomeDropped   Outcome = "dropped"
)

// Metrics holds the agent's instruments. A nil *Metrics records nothing.
type Metrics struct {
	records     metric.Int64Counter
	cycles      metric.Float64Histogram
	devices     metric.Int64Histogram
	validations metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	records, err := meter.Int64Counter(metricReportingRecords,
		metric.WithDescription("Outbound records by delivery outcome"))
	if err != nil {
		return nil, err
	}

	cycles, err := meter.Float64Histogram(metricCycleDuration,
		metric.WithDescription("Wall time of discovery cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300))
	if err != nil {
		return nil, err
	}

	devices, err := meter.Int64Histogram(metricCycleDevices,
		metric.WithDescription("Devices seen per discovery cycle"))
	if err != nil {
		return nil, err
	}

	validations, err := meter.Int64Counter(metricValidations,
		metric.WithDescription("Stream validations by resulting state and reason"))
	if err != nil {
		return nil, err
	}

	return &Metrics{records: records, cycles: cycles, devices: devices, validations: validations}, nil
}

func (m *Metrics) RecordDelivery(ctx context.Context, sink string, kind models.RecordKind, outcome Outcome) {
	if m == nil {
		return
	}

	m.records.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("kind", string(kind)),
		attribute.String("outcome", string(outcome)),
	))
}

// RecordCycle records one finished discovery cycle. Incomplete cycles are
// tagged so timeouts show up separately.
func (m *Metrics) RecordCycle(ctx context.Context, d time.Duration, devices int, complete bool) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("complete", complete))

	m.cycles.Record(ctx, d.Seconds(), attrs)
	m.devices.Record(ctx, int64(devices), attrs)
}

func (m *Metrics) RecordValidation(ctx context.Context, ep models.StreamEndpoint) {
	if m == nil {
		return
	}

	m.validations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(ep.State)),
		attribute.String("reason", string(ep.Reason)),
	))
}

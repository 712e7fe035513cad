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

// Package telemetry exports agent metrics over OTLP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.31.0"

	"github.com/carverauto/camradar/pkg/models"
)

const defaultExportInterval = 15 * time.Second

var ErrMetricsDisabled = errors.New("OTel metrics exporter disabled")

// Config points the metrics pipeline at an OTLP/gRPC collector. Metrics
// are recorded either way; without a collector they go nowhere.
type Config struct {
	Enabled        bool            `json:"enabled"`
	Endpoint       string          `json:"endpoint"`
	Insecure       bool            `json:"insecure"`
	ExportInterval models.Duration `json:"export_interval"`
}

// NewMeterProvider builds a provider that pushes to cfg.Endpoint. It
// returns ErrMetricsDisabled when there is nowhere to push.
func NewMeterProvider(ctx context.Context, cfg Config, serviceName, version string) (*sdkmetric.MeterProvider, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, ErrMetricsDisabled
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(cfg.ExportInterval.Or(defaultExportInterval)))

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	), nil
}

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

package lifecycle

import (
	"fmt"
	"time"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/rs/zerolog"
)

// InitializeLogger initializes the global logger with the provided configuration.
// If config is nil, it uses the default configuration.
func InitializeLogger(config *logger.Config) error {
	if config == nil {
		config = logger.DefaultConfig()
	}

	if err := logger.Init(config); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	return nil
}

// newZerolog builds a standalone zerolog instance without touching global state.
func newZerolog(config *logger.Config) (zerolog.Logger, error) {
	if config == nil {
		config = logger.DefaultConfig()
	}

	level, err := config.ParseLevel()
	if err != nil {
		return zerolog.Nop(), err
	}

	timeFormat := time.RFC3339
	if config.TimeFormat != "" {
		timeFormat = config.TimeFormat
	}

	zerolog.TimeFieldFormat = timeFormat

	ctx := zerolog.New(config.Writer()).
		Level(level).
		With().
		Timestamp()

	if config.Service != "" {
		ctx = ctx.Str("service", config.Service)
	}

	return ctx.Logger(), nil
}

// CreateLogger creates a new logger instance with the provided configuration.
// This returns a logger that can be injected into services.
func CreateLogger(config *logger.Config) (logger.Logger, error) {
	zl, err := newZerolog(config)
	if err != nil {
		return nil, err
	}

	return logger.Wrap(zl), nil
}

// CreateComponentLogger creates a logger for a specific component.
func CreateComponentLogger(component string, config *logger.Config) (logger.Logger, error) {
	zl, err := newZerolog(config)
	if err != nil {
		return nil, err
	}

	return logger.Wrap(zl.With().Str("component", component).Logger()), nil
}

// ComponentLogger derives a child logger tagged with component from an existing one.
func ComponentLogger(parent logger.Logger, component string) logger.Logger {
	return logger.Wrap(parent.WithComponent(component))
}

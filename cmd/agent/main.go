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

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/carverauto/camradar/pkg/agent"
	"github.com/carverauto/camradar/pkg/config"
	"github.com/carverauto/camradar/pkg/lifecycle"
	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/telemetry"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.StringP("config", "c", "/etc/camradar/agent.yaml", "Path to agent config file")
	installAutostart := flag.Bool("install-autostart", false, "Write a systemd user unit for this agent and exit")
	once := flag.Bool("once", false, "Run a single discovery cycle, print the inventory and exit")
	flag.Parse()

	ctx := context.Background()

	cfg := agent.DefaultConfig()

	bootConfig := logger.DefaultConfig()
	bootConfig.Output = "stderr"

	bootLogger, err := lifecycle.CreateLogger(bootConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := config.NewConfig(bootLogger).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *installAutostart {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable: %w", err)
		}

		path, err := agent.InstallAutostart(cfg.Autostart, exe, "--config", *configPath)
		if err != nil {
			return err
		}

		fmt.Printf("Wrote %s\nEnable it with: systemctl --user enable --now %s\n", path, unitName(cfg.Autostart))

		return nil
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	if *once {
		// stdout carries the scan result.
		logConfig.Output = "stderr"
	}

	agentLogger, err := lifecycle.CreateComponentLogger("agent", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	var opts []agent.Option

	mp, err := telemetry.NewMeterProvider(ctx, cfg.Telemetry, "camradar-agent", version)
	switch {
	case err == nil:
		opts = append(opts, agent.WithMeterProvider(mp))

		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := mp.Shutdown(sctx); err != nil {
				agentLogger.Warn().Err(err).Msg("Failed to flush metrics")
			}
		}()
	case !errors.Is(err, telemetry.ErrMetricsDisabled):
		agentLogger.Warn().Err(err).Msg("Metrics export unavailable")
	}

	a, err := agent.New(ctx, cfg, agentLogger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	if *once {
		result, err := a.RunOnce(ctx)
		if result != nil {
			if werr := writeJSON(os.Stdout, result); werr != nil {
				return werr
			}
		}

		return err
	}

	return lifecycle.RunService(ctx, &lifecycle.ServiceOptions{
		ServiceName: "camradar-agent",
		Service:     a,
		Logger:      agentLogger,
	})
}

func unitName(cfg agent.AutostartConfig) string {
	if cfg.UnitName != "" {
		return cfg.UnitName
	}

	return "camradar-agent"
}

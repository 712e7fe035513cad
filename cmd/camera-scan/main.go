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

// camera-scan runs one sweep, probe and validate pass and prints what it
// found as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/carverauto/camradar/pkg/agent"
	"github.com/carverauto/camradar/pkg/config"
	"github.com/carverauto/camradar/pkg/lifecycle"
	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.StringP("config", "c", "", "Optional agent config file")
	output := flag.StringP("output", "o", "", "Write the inventory to this file instead of stdout")
	subnets := flag.StringSlice("subnet", nil, "Subnet to sweep in CIDR notation (repeatable); default is every local interface")
	timeout := flag.Duration("timeout", 2*time.Minute, "Upper bound on the whole scan")
	verbose := flag.BoolP("verbose", "v", false, "Log progress to stderr")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logConfig := &logger.Config{Level: "warn", Output: "stderr", Service: "camera-scan"}
	if *verbose {
		logConfig.Level = "debug"
	}

	scanLogger, err := lifecycle.CreateComponentLogger("camera-scan", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg := agent.DefaultConfig()

	if *configPath == "" {
		cfg.Probe.AliasFile = ""
	} else if err := config.NewConfig(scanLogger).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(*subnets) > 0 {
		cfg.Sweep.Subnets = *subnets
	}

	cfg.Reporting.Enabled = false
	cfg.Preview.Enabled = false
	cfg.Bridge.Advertise = false

	if *timeout > 0 && cfg.DiscoveryInterval.Std() > 0 {
		// RunOnce bounds the cycle by interval x ceiling factor.
		cfg.CycleCeilingFactor = max(1, float64(*timeout)/float64(cfg.DiscoveryInterval.Std()))
	}

	a, err := agent.New(ctx, cfg, scanLogger)
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}

	result, err := a.RunOnce(ctx)
	if err != nil && result == nil {
		return err
	}

	if err != nil {
		scanLogger.Warn().Err(err).Msg("Scan incomplete, writing partial results")
	}

	out := os.Stdout

	if *output != "" {
		f, ferr := os.Create(*output)
		if ferr != nil {
			return fmt.Errorf("failed to create %s: %w", *output, ferr)
		}
		defer f.Close()

		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to write inventory: %w", err)
	}

	if *output != "" {
		fmt.Fprintf(os.Stderr, "Found %d camera(s), %d with a working stream; written to %s\n",
			len(result.Devices), working(result.Devices), *output)
	}

	return nil
}

func working(devices []models.InventoryDevice) int {
	n := 0

	for _, d := range devices {
		for _, ep := range d.Endpoints {
			if ep.State == models.ValidationValid {
				n++
				break
			}
		}
	}

	return n
}

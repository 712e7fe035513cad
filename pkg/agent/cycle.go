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

package agent

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/probe"
	"github.com/carverauto/camradar/pkg/registry"
)

// CycleReport summarizes one sweep, probe and validate pass.
type CycleReport struct {
	Seq       uint64        `json:"seq"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Devices   int           `json:"devices"`
	Endpoints int           `json:"endpoints"`
	Validated int           `json:"validated"`
	Valid     int           `json:"valid"`
	TimedOut  bool          `json:"timed_out"`
	Error     string        `json:"error,omitempty"`
}

// discoveryLoop starts a cycle immediately, then on every interval tick and
// rescan request. A cycle still running when the next is due is left alone;
// the ceiling on its context bounds how long it can linger.
func (a *Agent) discoveryLoop(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(a.config.DiscoveryInterval.Std())
	defer ticker.Stop()

	a.startCycle(ctx, &wg)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.startCycle(ctx, &wg)
		case <-a.rescan:
			a.startCycle(ctx, &wg)
		}
	}
}

func (a *Agent) startCycle(ctx context.Context, wg *sync.WaitGroup) bool {
	if !a.cycling.CompareAndSwap(false, true) {
		a.logger.Info().Msg("Previous discovery cycle still running, skipping")
		return false
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		defer a.cycling.Store(false)

		cctx, cancel := context.WithTimeout(ctx, a.config.CycleCeiling())
		defer cancel()

		report, err := a.RunCycle(cctx)
		if err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Uint64("cycle", report.Seq).Msg("Discovery cycle incomplete")
		}

		if ctx.Err() != nil {
			return
		}

		a.subscriber.Sync(ctx, a.registry.Snapshot().Devices())

		if report.Seq == 1 && a.reporter != nil {
			a.reporter.ReportSnapshot(a.registry.Snapshot().Inventory(time.Now()))
		}
	}()

	return true
}

// RunCycle sweeps, probes every candidate into the registry, closes the
// cycle and validates endpoints that have never been checked. A cycle cut
// short by ctx does not close, so unseen devices are not penalized.
func (a *Agent) RunCycle(ctx context.Context) (report CycleReport, err error) {
	report = CycleReport{Seq: a.cycles.Add(1), StartedAt: time.Now()}

	defer func() {
		report.Duration = time.Since(report.StartedAt)

		if err != nil {
			report.TimedOut = errors.Is(err, context.DeadlineExceeded)
			report.Error = err.Error()
		}

		last := report
		a.lastCycle.Store(&last)
		a.metrics.RecordCycle(context.Background(), report.Duration, report.Devices, err == nil)

		a.logger.Info().
			Uint64("cycle", report.Seq).
			Int("devices", report.Devices).
			Int("endpoints", report.Endpoints).
			Int("validated", report.Validated).
			Int("valid", report.Valid).
			Bool("timed_out", report.TimedOut).
			Dur("duration", report.Duration).
			Msg("Discovery cycle finished")
	}()

	var (
		mu   sync.Mutex
		seen []models.DeviceID
	)

	err = a.prober.ProbeAll(ctx, a.sweeper.Sweep(ctx), func(res *probe.Result) {
		if serr := a.registry.Submit(ctx, registry.Observe{Device: res.Device, Endpoints: res.Endpoints}); serr != nil {
			return
		}

		mu.Lock()
		seen = append(seen, res.Device.ID)
		report.Endpoints += len(res.Endpoints)
		mu.Unlock()
	})
	if err == nil {
		err = ctx.Err()
	}

	if err != nil {
		return report, fmt.Errorf("probe: %w", err)
	}

	report.Devices = len(seen)

	if err = a.registry.Submit(ctx, registry.CycleEnd{Seen: seen}); err != nil {
		return report, err
	}

	if err = a.registry.Sync(ctx); err != nil {
		return report, err
	}

	a.validator.ValidateAll(ctx, a.pendingEndpoints(seen), func(ep models.StreamEndpoint) {
		a.metrics.RecordValidation(ctx, ep)

		if serr := a.registry.Submit(ctx, registry.Validated{Endpoint: ep}); serr != nil {
			return
		}

		mu.Lock()
		report.Validated++

		if ep.State == models.ValidationValid {
			report.Valid++
		}
		mu.Unlock()
	})

	if err = a.registry.Sync(ctx); err != nil {
		return report, err
	}

	return report, ctx.Err()
}

func (a *Agent) pendingEndpoints(ids []models.DeviceID) []models.StreamEndpoint {
	snap := a.registry.Snapshot()
	now := time.Now()

	var out []models.StreamEndpoint

	for _, id := range ids {
		for _, ep := range snap.DeviceEndpoints(id, now) {
			if ep.State == models.ValidationPending {
				out = append(out, ep)
			}
		}
	}

	return out
}

// ScanResult is the output of a one-shot scan.
type ScanResult struct {
	AgentID  string                   `json:"agent_id"`
	ScanTime time.Time                `json:"scan_time"`
	Cycle    CycleReport              `json:"cycle"`
	Devices  []models.InventoryDevice `json:"devices"`
}

// RunOnce runs a single discovery cycle without the bridge, subscriptions
// or reporting. Every known endpoint is listed, including invalid ones.
func (a *Agent) RunOnce(ctx context.Context) (*ScanResult, error) {
	rctx, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)

	go func() { done <- a.registry.Run(rctx) }()

	cctx, ccancel := context.WithTimeout(rctx, a.config.CycleCeiling())
	report, err := a.RunCycle(cctx)
	ccancel()

	snap := a.registry.Snapshot()
	now := time.Now()

	cancel()

	if rerr := <-done; rerr != nil {
		return nil, rerr
	}

	result := &ScanResult{AgentID: a.config.AgentID, ScanTime: report.StartedAt, Cycle: report}

	for _, d := range snap.Devices() {
		dev := models.InventoryDevice{Device: *d, Endpoints: snap.DeviceEndpoints(d.ID, now)}
		result.Devices = append(result.Devices, dev)
	}

	slices.SortFunc(result.Devices, func(x, y models.InventoryDevice) int {
		return compareAddr(x.Device.Address, y.Device.Address)
	})

	if a.reporter != nil {
		if cerr := a.reporter.Close(); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("Failed to close reporting client")
		}
	}

	return result, err
}

func compareAddr(x, y string) int {
	ax, errx := netip.ParseAddr(x)
	ay, erry := netip.ParseAddr(y)

	if errx != nil || erry != nil {
		return strings.Compare(x, y)
	}

	return ax.Compare(ay)
}

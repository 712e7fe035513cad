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
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/carverauto/camradar/pkg/bridge"
)

const healthProbeTimeout = 2 * time.Second

// Health is rendered by the bridge's /healthz endpoint.
type Health struct {
	AgentID        string                     `json:"agent_id"`
	StartedAt      time.Time                  `json:"started_at"`
	Uptime         string                     `json:"uptime"`
	Devices        int                        `json:"devices"`
	Endpoints      int                        `json:"servable_endpoints"`
	Viewers        int                        `json:"viewers"`
	Subscriptions  int                        `json:"subscriptions"`
	Previews       int                        `json:"previews"`
	PendingReports int                        `json:"pending_reports"`
	LastCycle      *CycleReport               `json:"last_cycle,omitempty"`
	Components     map[string]ComponentStatus `json:"components"`
	CPUPercent     float64                    `json:"cpu_percent"`
	MemoryPercent  float64                    `json:"memory_percent"`
}

// Healthy is false while any supervised component is restarting.
func (h *Health) Healthy() bool {
	for _, st := range h.Components {
		if st.State == StateRestarting {
			return false
		}
	}

	return true
}

// HealthReport gathers component and host state.
func (a *Agent) HealthReport() bridge.HealthReport {
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defer cancel()

	now := time.Now()
	snap := a.registry.Snapshot()
	inv := snap.Inventory(now)

	h := &Health{
		AgentID:       a.config.AgentID,
		StartedAt:     a.startedAt,
		Devices:       snap.Len(),
		Viewers:       a.bridge.Viewers(),
		Subscriptions: a.subscriber.Active(),
		LastCycle:     a.lastCycle.Load(),
		Components:    a.statuses(),
	}

	if !a.startedAt.IsZero() {
		h.Uptime = now.Sub(a.startedAt).Truncate(time.Second).String()
	}

	for _, d := range inv.Devices {
		h.Endpoints += len(d.Endpoints)
	}

	if a.preview != nil {
		h.Previews = a.preview.Active()
	}

	if a.reporter != nil {
		if n, err := a.reporter.Pending(ctx); err == nil {
			h.PendingReports = n
		}
	}

	if usage, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		a.logger.Debug().Err(err).Msg("cpu.PercentWithContext failed")
	} else if len(usage) > 0 {
		h.CPUPercent = usage[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("mem.VirtualMemoryWithContext failed")
	} else {
		h.MemoryPercent = vm.UsedPercent
	}

	return h
}

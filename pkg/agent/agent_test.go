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
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/camradar/pkg/bridge"
	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/probe"
	"github.com/carverauto/camradar/pkg/reporting"
	"github.com/carverauto/camradar/pkg/sweeper"
	"github.com/carverauto/camradar/pkg/validator"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AgentID = "agent-test"
	cfg.Probe.AliasFile = ""
	cfg.Bridge = bridge.Config{Listen: "127.0.0.1:0"}
	cfg.Preview.Enabled = false
	cfg.Restart = RestartConfig{
		Initial:     models.Duration(time.Millisecond),
		Max:         models.Duration(5 * time.Millisecond),
		StableAfter: models.Duration(time.Minute),
	}

	return cfg
}

func testProber() Prober {
	return probe.NewProber(probe.Config{}, logger.NewTestLogger(),
		probe.WithAdapters(fakeCamera{}),
		probe.WithMACResolver(nil))
}

func newTestAgent(t *testing.T, cfg Config, opts ...Option) *Agent {
	t.Helper()

	a, err := New(context.Background(), cfg, logger.NewTestLogger(), opts...)
	require.NoError(t, err)

	return a
}

// runRegistry runs only the registry, for tests that drive cycles by hand.
func runRegistry(t *testing.T, a *Agent) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = a.registry.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		a.subscriber.Stop()
	})

	return ctx
}

func deviceID(t *testing.T, addr string) models.DeviceID {
	t.Helper()

	id, _, ok := probe.DeriveDeviceID(probe.IdentityHints{Manufacturer: "Acme", Serial: "SN-" + addr})
	require.True(t, ok)

	return id
}

func TestMotionEventReachesViewerAndRemoteOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := reporting.NewMockSink(ctrl)

	var (
		mu              sync.Mutex
		remoteEvents    []models.OutboundRecord
		remoteInventory int
	)

	sink.EXPECT().Name().Return("mock").AnyTimes()
	sink.EXPECT().Close().Return(nil).AnyTimes()
	sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec models.OutboundRecord) error {
			mu.Lock()
			defer mu.Unlock()

			if rec.Kind == models.RecordEvent {
				remoteEvents = append(remoteEvents, rec)
			} else {
				remoteInventory++
			}

			return nil
		}).AnyTimes()

	cfg := testConfig()
	cfg.Reporting = reporting.Config{
		Enabled:      true,
		Endpoint:     "http://remote.invalid",
		PollInterval: models.Duration(10 * time.Millisecond),
		Queue:        reporting.QueueConfig{Path: filepath.Join(t.TempDir(), "outbox.db")},
	}

	cam := &motionCamera{release: make(chan struct{})}
	checker := &fakeChecker{}

	a := newTestAgent(t, cfg,
		WithSweeper(&fakeSweeper{candidates: []sweeper.Candidate{candidate("192.0.2.10")}}),
		WithProber(testProber()),
		WithValidatorOptions(validator.WithChecker(checker)),
		WithEventAdapter(cam),
		WithSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))

	t.Cleanup(func() {
		cancel()

		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()

		assert.NoError(t, a.Stop(sctx))
	})

	select {
	case <-a.Bridge().Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge never became ready")
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.Bridge().Addr().String()+"/ws", nil)
	require.NoError(t, err)

	defer conn.Close()

	var info bridge.Message
	require.NoError(t, conn.ReadJSON(&info))
	assert.Equal(t, bridge.MsgBridgeInfo, info.Type)

	var snapshot bridge.Message
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, bridge.MsgInventorySnapshot, snapshot.Type)

	id := deviceID(t, "192.0.2.10")

	require.Eventually(t, func() bool {
		sub, ok := a.Registry().Snapshot().Subscription(id)
		return ok && sub.State == models.SubscriptionActive
	}, 5*time.Second, 5*time.Millisecond, "subscription never became active")

	close(cam.release)

	var (
		viewerEvents []models.EventView
		deadline     = time.Now().Add(5 * time.Second)
	)

	for {
		require.NoError(t, conn.SetReadDeadline(deadline))

		var msg bridge.Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}

		if msg.Type == bridge.MsgEvent && msg.Event != nil {
			viewerEvents = append(viewerEvents, *msg.Event)

			if len(viewerEvents) == 1 {
				deadline = time.Now().Add(500 * time.Millisecond)
			}
		}
	}

	require.Len(t, viewerEvents, 1, "redelivered notification must be suppressed")
	assert.Equal(t, id, viewerEvents[0].DeviceID)
	assert.Equal(t, models.EventMotionStart, viewerEvents[0].Kind)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(remoteEvents) == 1 && remoteInventory > 0
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Len(t, remoteEvents, 1)
	assert.Equal(t, id, remoteEvents[0].DeviceID)
	mu.Unlock()

	snap := a.Registry().Snapshot()
	dev, ok := snap.Device(id)
	require.True(t, ok)
	assert.Equal(t, models.HealthValidated, dev.Health)
	assert.Equal(t, 1, checker.count())

	health, ok := a.HealthReport().(*Health)
	require.True(t, ok)
	assert.True(t, health.Healthy())
	assert.Equal(t, 1, health.Devices)
	assert.Equal(t, 1, health.Endpoints)
	assert.Equal(t, 1, health.Subscriptions)
	assert.Equal(t, 1, health.Viewers)
}

func TestCameraClassifiedWithinTwoCyclesOfAppearing(t *testing.T) {
	cfg := testConfig()
	cfg.DiscoveryInterval = models.Duration(time.Second)

	checker := &fakeChecker{}
	sw := &fakeSweeper{candidates: []sweeper.Candidate{candidate("192.0.2.20")}, from: 2}

	a := newTestAgent(t, cfg, WithSweeper(sw), WithProber(testProber()),
		WithValidatorOptions(validator.WithChecker(checker)),
		WithEventAdapter(&motionCamera{release: make(chan struct{})}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))

	t.Cleanup(func() {
		cancel()

		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()

		assert.NoError(t, a.Stop(sctx))
	})

	id := deviceID(t, "192.0.2.20")

	var sweepsAtValid int32

	require.Eventually(t, func() bool {
		eps := a.Registry().Snapshot().DeviceEndpoints(id, time.Now())
		if len(eps) == 0 || eps[0].State != models.ValidationValid {
			return false
		}

		sweepsAtValid = sw.sweeps.Load()

		return true
	}, 5*time.Second, 10*time.Millisecond, "camera never classified")

	assert.LessOrEqual(t, sweepsAtValid, sw.from+1)

	eps := a.Registry().Snapshot().DeviceEndpoints(id, time.Now())
	assert.Equal(t, "H264", eps[0].Media.Codec)
	assert.Equal(t, 1920, eps[0].Media.Width)
}

func TestRunCycleValidatesOnlyNewEndpoints(t *testing.T) {
	checker := &fakeChecker{}
	sw := &fakeSweeper{candidates: []sweeper.Candidate{candidate("192.0.2.10"), candidate("192.0.2.11")}}

	a := newTestAgent(t, testConfig(), WithSweeper(sw), WithProber(testProber()),
		WithValidatorOptions(validator.WithChecker(checker)))
	ctx := runRegistry(t, a)

	report, err := a.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Devices)
	assert.Equal(t, 2, report.Validated)
	assert.Equal(t, 2, report.Valid)

	report, err = a.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Devices)
	assert.Zero(t, report.Validated, "valid endpoints are left to the interval revalidation")
	assert.Equal(t, 2, checker.count())

	assert.Len(t, a.Registry().Snapshot().Inventory(time.Now()).Devices, 2)
}

func TestRunCycleRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	checker := &fakeChecker{err: models.NewValidationError(models.ReasonAuthRejected, errors.New("401"))}

	a := newTestAgent(t, testConfig(),
		WithSweeper(&fakeSweeper{candidates: []sweeper.Candidate{candidate("192.0.2.10")}}),
		WithProber(testProber()),
		WithValidatorOptions(validator.WithChecker(checker)),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	ctx := runRegistry(t, a)

	_, err := a.RunCycle(ctx)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]metricdata.Aggregation{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = m.Data
		}
	}

	cycles, ok := found["camradar_discovery_cycle_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, cycles.DataPoints, 1)
	assert.Equal(t, uint64(1), cycles.DataPoints[0].Count)

	validations, ok := found["camradar_stream_validations_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, validations.DataPoints, 1)

	reason, _ := validations.DataPoints[0].Attributes.Value("reason")
	assert.Equal(t, string(models.ReasonAuthRejected), reason.AsString())
}

func TestRunCycleCeilingCancelsStraggler(t *testing.T) {
	sw := &fakeSweeper{candidates: []sweeper.Candidate{candidate("192.0.2.10")}, block: make(chan struct{})}
	defer close(sw.block)

	a := newTestAgent(t, testConfig(), WithSweeper(sw), WithProber(testProber()),
		WithValidatorOptions(validator.WithChecker(&fakeChecker{})))
	runRegistry(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report, err := a.RunCycle(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, report.TimedOut)
	assert.Zero(t, a.Registry().Snapshot().Len())
}

func TestStartCycleSkipsWhileRunning(t *testing.T) {
	sw := &fakeSweeper{candidates: []sweeper.Candidate{candidate("192.0.2.10")}, block: make(chan struct{})}

	a := newTestAgent(t, testConfig(), WithSweeper(sw), WithProber(testProber()),
		WithValidatorOptions(validator.WithChecker(&fakeChecker{})),
		WithEventAdapter(&motionCamera{release: make(chan struct{})}))
	ctx := runRegistry(t, a)

	var wg sync.WaitGroup

	require.True(t, a.startCycle(ctx, &wg))
	assert.False(t, a.startCycle(ctx, &wg), "a running cycle is allowed to finish")

	close(sw.block)
	wg.Wait()

	assert.Equal(t, int32(1), sw.sweeps.Load())
	assert.Equal(t, 1, a.Registry().Snapshot().Len())

	require.True(t, a.startCycle(ctx, &wg))
	wg.Wait()
	assert.Equal(t, int32(2), sw.sweeps.Load())
}

func TestRevalidateAndRescan(t *testing.T) {
	a := newTestAgent(t, testConfig(),
		WithSweeper(&fakeSweeper{candidates: []sweeper.Candidate{candidate("192.0.2.10")}}),
		WithProber(testProber()),
		WithValidatorOptions(validator.WithChecker(&fakeChecker{})))
	ctx := runRegistry(t, a)

	_, err := a.RunCycle(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Revalidate(deviceID(t, "192.0.2.10")))
	assert.ErrorIs(t, a.Revalidate("cam:missing"), ErrUnknownDevice)

	assert.True(t, a.Rescan())
	assert.False(t, a.Rescan(), "only one rescan is queued at a time")
}

func TestRunOnceListsInvalidEndpoints(t *testing.T) {
	checker := &fakeChecker{err: &models.ValidationError{Reason: models.ReasonAuthRejected}}

	a := newTestAgent(t, testConfig(),
		WithSweeper(&fakeSweeper{candidates: []sweeper.Candidate{candidate("192.0.2.11"), candidate("192.0.2.9")}}),
		WithProber(testProber()),
		WithValidatorOptions(validator.WithChecker(checker)))

	result, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Devices, 2)
	assert.Equal(t, "192.0.2.9", result.Devices[0].Device.Address)
	assert.Equal(t, "192.0.2.11", result.Devices[1].Device.Address)

	for _, d := range result.Devices {
		require.Len(t, d.Endpoints, 1)
		assert.Equal(t, models.ValidationInvalid, d.Endpoints[0].State)
		assert.Equal(t, models.ReasonAuthRejected, d.Endpoints[0].Reason)
	}

	assert.Equal(t, 2, result.Cycle.Validated)
	assert.Zero(t, result.Cycle.Valid)
}

func TestSuperviseRestartsFailedComponent(t *testing.T) {
	a := newTestAgent(t, testConfig())

	var runs atomic.Int32

	c := component{name: "flaky", run: func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("boom")
		}

		<-ctx.Done()

		return ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		a.supervise(ctx, c)
	}()

	require.Eventually(t, func() bool {
		st := a.statuses()["flaky"]
		return runs.Load() == 3 && st.State == StateRunning
	}, 2*time.Second, time.Millisecond)

	st := a.statuses()["flaky"]
	assert.Equal(t, 2, st.Restarts)
	assert.Equal(t, "boom", st.LastError)

	cancel()
	<-done

	assert.Equal(t, StateStopped, a.statuses()["flaky"].State)
}

func TestSuperviseRecoversPanickingComponent(t *testing.T) {
	a := newTestAgent(t, testConfig())

	var runs atomic.Int32

	c := component{name: "panicky", run: func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("nil frame buffer")
		}

		<-ctx.Done()

		return ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		a.supervise(ctx, c)
	}()

	require.Eventually(t, func() bool {
		return runs.Load() == 2 && a.statuses()["panicky"].State == StateRunning
	}, 2*time.Second, time.Millisecond)

	st := a.statuses()["panicky"]
	assert.Equal(t, 1, st.Restarts)
	assert.Contains(t, st.LastError, "nil frame buffer")

	cancel()
	<-done
}

func TestHealthUnhealthyWhileRestarting(t *testing.T) {
	cfg := testConfig()
	cfg.Restart.Initial = models.Duration(time.Hour)
	cfg.Restart.Max = models.Duration(time.Hour)

	a := newTestAgent(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		a.supervise(ctx, component{name: "bridge", run: func(context.Context) error { return nil }})
	}()

	require.Eventually(t, func() bool {
		return a.statuses()["bridge"].State == StateRestarting
	}, 2*time.Second, time.Millisecond)

	health := &Health{Components: a.statuses()}
	assert.False(t, health.Healthy())
	assert.Equal(t, errExitedEarly.Error(), health.Components["bridge"].LastError)

	cancel()
	<-done
}

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

package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

type fakeStream struct {
	done    chan struct{}
	once    sync.Once
	stopped bool
}

func (f *fakeStream) Done() <-chan struct{} { return f.done }

func (f *fakeStream) Stop() error {
	f.once.Do(func() {
		f.stopped = true
		close(f.done)
	})

	return nil
}

type previewHarness struct {
	mu sync.Mutex
	// exitOnStart makes every producer die before its first frame.
	exitOnStart bool
	now     time.Time
	streams []*fakeStream
	sinks   []func([]byte)
	silent  []models.StreamEndpoint
}

func (h *previewHarness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.now
}

func (h *previewHarness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *previewHarness) start(_ context.Context, _ string, sink func([]byte)) (Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &fakeStream{done: make(chan struct{})}
	if h.exitOnStart {
		s.once.Do(func() { close(s.done) })
	}

	h.streams = append(h.streams, s)
	h.sinks = append(h.sinks, sink)

	return s, nil
}

func newPreviewHarness(t *testing.T) (*previewHarness, *PreviewManager, *Server, *viewer) {
	t.Helper()

	h := &previewHarness{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(Config{}, "agent-1", testInventory, nil, logger.NewTestLogger())

	v := &viewer{id: "v", queue: newViewerQueue(16), logger: logger.NewTestLogger(), done: make(chan struct{})}
	s.viewers["v"] = v

	m := NewPreviewManager(PreviewConfig{Enabled: true, DeliveryWindow: models.Duration(10 * time.Second)},
		h.start, s, testInventory, func(ep models.StreamEndpoint) {
			h.mu.Lock()
			h.silent = append(h.silent, ep)
			h.mu.Unlock()
		}, logger.NewTestLogger())
	m.now = h.clock

	return h, m, s, v
}

func TestPreviewStartsOnlyWithViewers(t *testing.T) {
	h, m, s, _ := newPreviewHarness(t)

	m.sync(context.Background())
	require.Equal(t, 1, m.Active())

	s.closeAll()
	m.sync(context.Background())

	assert.Equal(t, 0, m.Active())
	assert.True(t, h.streams[0].stopped)
}

func TestPreviewFramesReachViewerQueue(t *testing.T) {
	h, m, _, v := newPreviewHarness(t)

	m.sync(context.Background())
	h.sinks[0]([]byte{0xFF, 0xD8, 0xFF, 0xD9})

	items := v.queue.drain()
	require.Len(t, items, 1)
	assert.True(t, items[0].preview)
	assert.Equal(t, models.DeviceID("cam:1"), items[0].deviceID)
}

func TestSilentPreviewTriggersRevalidation(t *testing.T) {
	h, m, s, _ := newPreviewHarness(t)

	m.sync(context.Background())

	h.advance(8 * time.Second)
	s.delivered("cam:1")

	h.advance(8 * time.Second)
	m.check()
	assert.Empty(t, h.silent, "a delivery inside the window keeps the preview alive")

	h.advance(11 * time.Second)
	m.check()

	require.Len(t, h.silent, 1)
	assert.Equal(t, "rtsp://10.0.0.2/live", h.silent[0].URL)
	assert.Equal(t, 0, m.Active())
	assert.True(t, h.streams[0].stopped)

	m.sync(context.Background())
	assert.Equal(t, 1, m.Active(), "preview restarts while the endpoint is still served")
}

func TestPreviewRestartsDeadStreamAfterBackoff(t *testing.T) {
	h, m, _, _ := newPreviewHarness(t)

	m.sync(context.Background())
	require.NoError(t, h.streams[0].Stop())

	m.sync(context.Background())
	assert.Len(t, h.streams, 1, "restart waits for the backoff")
	assert.Equal(t, 0, m.Active())

	h.advance(defaultSyncInterval)
	m.sync(context.Background())

	assert.Len(t, h.streams, 2)
	assert.Equal(t, 1, m.Active())
}

func TestPreviewDyingBeforeFirstFrameIsReportedSilent(t *testing.T) {
	h, m, _, _ := newPreviewHarness(t)
	h.exitOnStart = true

	for range 30 {
		m.check()
		m.sync(context.Background())
		h.advance(defaultSyncInterval)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	assert.GreaterOrEqual(t, len(h.silent), 3, "silence is measured across restarts")
	assert.Less(t, len(h.streams), 15, "restarts back off")

	for _, ep := range h.silent {
		assert.Equal(t, "rtsp://10.0.0.2/live", ep.URL)
	}
}

func TestPreviewDeliveryResetsSilenceAcrossRestarts(t *testing.T) {
	h, m, s, _ := newPreviewHarness(t)

	m.sync(context.Background())

	h.advance(8 * time.Second)
	s.delivered("cam:1")
	require.NoError(t, h.streams[0].Stop())

	h.advance(defaultSyncInterval)
	m.sync(context.Background())
	h.advance(defaultSyncInterval)
	m.sync(context.Background())

	h.advance(5 * time.Second)
	m.check()

	assert.Empty(t, h.silent)
}

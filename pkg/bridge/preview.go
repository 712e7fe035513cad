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
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/transcoder"
)

const (
	defaultMaxStreams     = 4
	defaultDeliveryWindow = 10 * time.Second
	defaultSyncInterval   = 2 * time.Second
	maxRestartDelay       = time.Minute
)

type PreviewConfig struct {
	Enabled    bool `json:"enabled"`
	MaxStreams int  `json:"max_streams"`
	// DeliveryWindow is how long a running preview may go without a single
	// frame reaching a viewer before its endpoint is revalidated.
	DeliveryWindow models.Duration `json:"delivery_window"`
	SyncInterval   models.Duration `json:"sync_interval"`
}

func (c PreviewConfig) WithDefaults() PreviewConfig {
	if c.MaxStreams <= 0 {
		c.MaxStreams = defaultMaxStreams
	}

	if c.DeliveryWindow <= 0 {
		c.DeliveryWindow = models.Duration(defaultDeliveryWindow)
	}

	if c.SyncInterval <= 0 {
		c.SyncInterval = models.Duration(defaultSyncInterval)
	}

	return c
}

// Stream is a running preview producer.
type Stream interface {
	Done() <-chan struct{}
	Stop() error
}

// StreamStarter launches a preview producer for url, feeding JPEG frames to sink.
type StreamStarter func(ctx context.Context, url string, sink func([]byte)) (Stream, error)

// TranscoderStarter runs previews through the ffmpeg transcoder.
func TranscoderStarter(r *transcoder.Runner) StreamStarter {
	return func(ctx context.Context, url string, sink func([]byte)) (Stream, error) {
		p, err := r.Start(ctx, url, sink)
		if err != nil {
			return nil, err
		}

		return p, nil
	}
}

type preview struct {
	endpoint models.StreamEndpoint
	stream   Stream
	cancel   context.CancelFunc
}

// watch follows one device's preview across producer restarts. since is
// the start of the current silence window: the first start attempt or the
// last delivered frame, whichever is later.
type watch struct {
	endpoint models.StreamEndpoint
	since    time.Time
	retryAt  time.Time
	backoff  *backoff.ExponentialBackOff
}

// PreviewManager keeps one preview running per servable device while at
// least one viewer is connected, and reports previews whose frames stop
// reaching viewers.
type PreviewManager struct {
	config    PreviewConfig
	start     StreamStarter
	server    *Server
	inventory InventoryFunc
	onSilent  func(models.StreamEndpoint)
	logger    logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	active  map[models.DeviceID]*preview
	watches map[models.DeviceID]*watch
}

func NewPreviewManager(
	cfg PreviewConfig,
	start StreamStarter,
	server *Server,
	inventory InventoryFunc,
	onSilent func(models.StreamEndpoint),
	log logger.Logger,
) *PreviewManager {
	m := &PreviewManager{
		config:    cfg.WithDefaults(),
		start:     start,
		server:    server,
		inventory: inventory,
		onSilent:  onSilent,
		logger:    log,
		now:       time.Now,
		active:    make(map[models.DeviceID]*preview),
		watches:   make(map[models.DeviceID]*watch),
	}

	server.setDeliveryHook(m.Delivered)

	return m
}

// Delivered records that a preview frame of id reached a viewer.
func (m *PreviewManager) Delivered(id models.DeviceID) {
	m.mu.Lock()
	if w, ok := m.watches[id]; ok {
		w.since = m.now()
		w.backoff.Reset()
	}
	m.mu.Unlock()
}

// Active returns the number of running previews.
func (m *PreviewManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.active)
}

func (m *PreviewManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.SyncInterval.Std())
	defer ticker.Stop()

	defer m.stopAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.check()
			m.sync(ctx)
		}
	}
}

// wanted picks the first servable endpoint of each device.
func (m *PreviewManager) wanted() map[models.DeviceID]models.StreamEndpoint {
	want := make(map[models.DeviceID]models.StreamEndpoint)

	if !m.config.Enabled || m.server.Viewers() == 0 {
		return want
	}

	for _, d := range m.inventory(m.now()).Devices {
		if len(want) >= m.config.MaxStreams {
			break
		}

		if len(d.Endpoints) > 0 {
			want[d.Device.ID] = d.Endpoints[0]
		}
	}

	return want
}

func (m *PreviewManager) newWatch(ep models.StreamEndpoint, now time.Time) *watch {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.config.SyncInterval.Std()
	b.MaxInterval = maxRestartDelay
	b.RandomizationFactor = 0

	return &watch{endpoint: ep, since: now, backoff: b}
}

func (m *PreviewManager) sync(ctx context.Context) {
	want := m.wanted()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, w := range m.watches {
		if ep, ok := want[id]; !ok || ep.URL != w.endpoint.URL {
			delete(m.watches, id)
		}
	}

	for id, p := range m.active {
		ep, ok := want[id]
		if ok && ep.URL == p.endpoint.URL && !isDone(p.stream) {
			continue
		}

		m.stopLocked(id, p)

		// The producer exited on its own; wait before respawning it.
		if w, ok := m.watches[id]; ok {
			w.retryAt = now.Add(w.backoff.NextBackOff())

			m.logger.Debug().
				Str("device_id", string(id)).
				Time("retry_at", w.retryAt).
				Msg("Preview exited, restart delayed")
		}
	}

	for id, ep := range want {
		if _, ok := m.active[id]; ok {
			continue
		}

		w, ok := m.watches[id]
		if !ok {
			w = m.newWatch(ep, now)
			m.watches[id] = w
		}

		if now.Before(w.retryAt) {
			continue
		}

		pctx, cancel := context.WithCancel(ctx)

		stream, err := m.start(pctx, ep.URL, m.sink(id, ep.URL))
		if err != nil {
			cancel()

			w.retryAt = now.Add(w.backoff.NextBackOff())
			m.logger.Warn().Err(err).Str("device_id", string(id)).Msg("Failed to start preview")

			continue
		}

		m.active[id] = &preview{endpoint: ep, stream: stream, cancel: cancel}

		m.logger.Debug().Str("device_id", string(id)).Msg("Preview started")
	}
}

func (m *PreviewManager) sink(id models.DeviceID, url string) func([]byte) {
	return func(jpeg []byte) {
		m.server.PublishFrame(PreviewFrame{DeviceID: id, URL: url, Timestamp: m.now().UTC(), JPEG: jpeg})
	}
}

// check reports devices whose previews delivered nothing for a full window,
// counting across producer restarts, and stops any running producer; the
// next sync restarts it if the endpoint is still servable.
func (m *PreviewManager) check() {
	now := m.now()
	window := m.config.DeliveryWindow.Std()

	var silent []models.StreamEndpoint

	m.mu.Lock()
	for id, w := range m.watches {
		if now.Sub(w.since) <= window {
			continue
		}

		m.logger.Warn().
			Str("device_id", string(id)).
			Dur("window", window).
			Msg("No preview frames delivered, requesting revalidation")

		silent = append(silent, w.endpoint)
		w.since = now

		if p, ok := m.active[id]; ok {
			m.stopLocked(id, p)
		}
	}
	m.mu.Unlock()

	if m.onSilent == nil {
		return
	}

	for _, ep := range silent {
		m.onSilent(ep)
	}
}

func (m *PreviewManager) stopLocked(id models.DeviceID, p *preview) {
	if err := p.stream.Stop(); err != nil {
		m.logger.Debug().Err(err).Str("device_id", string(id)).Msg("Preview stop")
	}

	p.cancel()
	delete(m.active, id)
}

func (m *PreviewManager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.active {
		m.stopLocked(id, p)
	}

	clear(m.watches)
}

func isDone(s Stream) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

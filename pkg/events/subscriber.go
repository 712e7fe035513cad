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

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

const (
	defaultTermination    = time.Hour
	defaultRenewMargin    = 30 * time.Second
	defaultPullTimeout    = 5 * time.Second
	defaultMaxResubscribe = 5
	defaultRetryInitial   = time.Second
	defaultRetryMax       = 30 * time.Second
	teardownTimeout       = 5 * time.Second
)

var errDeadlineMissed = errors.New("renewal deadline passed")

// Config controls subscriptions.
type Config struct {
	Termination models.Duration `json:"termination"`
	// RenewMargin is how long before the deadline a renewal starts.
	RenewMargin    models.Duration `json:"renew_margin"`
	PullTimeout    models.Duration `json:"pull_timeout"`
	DedupWindow    models.Duration `json:"dedup_window"`
	MaxResubscribe int             `json:"max_resubscribe"`
	RetryInitial   models.Duration `json:"retry_initial"`
	RetryMax       models.Duration `json:"retry_max"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.Termination <= 0 {
		c.Termination = models.Duration(defaultTermination)
	}

	if c.RenewMargin <= 0 {
		c.RenewMargin = models.Duration(defaultRenewMargin)
	}

	if c.RenewMargin >= c.Termination {
		c.RenewMargin = c.Termination / 4
	}

	if c.PullTimeout <= 0 {
		c.PullTimeout = models.Duration(defaultPullTimeout)
	}

	if c.DedupWindow <= 0 {
		c.DedupWindow = models.Duration(defaultDedupWindow)
	}

	if c.MaxResubscribe <= 0 {
		c.MaxResubscribe = defaultMaxResubscribe
	}

	if c.RetryInitial <= 0 {
		c.RetryInitial = models.Duration(defaultRetryInitial)
	}

	if c.RetryMax <= 0 {
		c.RetryMax = models.Duration(defaultRetryMax)
	}

	return c
}

// Hooks report subscription changes to the registry owner.
type Hooks struct {
	// State is called on every subscription state change.
	State func(models.EventSubscription)
	// Cleared is called when a subscription is torn down.
	Cleared func(models.DeviceID)
	// Unavailable is called after retries are exhausted; the device's event
	// capability stays off until the next discovery cycle.
	Unavailable func(models.DeviceID)
}

type worker struct {
	device atomic.Pointer[models.Device]
	cancel context.CancelFunc
	done   chan struct{}
	// prev is the done channel of a canceled worker for the same device;
	// this worker subscribes only after it has torn down.
	prev <-chan struct{}
}

// Subscriber runs one worker per event-capable device. A device never has
// more than one worker, so it never has more than one subscription.
type Subscriber struct {
	config     Config
	adapter    Adapter
	hooks      Hooks
	emit       Sink
	normalizer *Normalizer
	dedup      *Deduper
	logger     logger.Logger
	now        func() time.Time

	mu       sync.Mutex
	workers  map[models.DeviceID]*worker
	retiring map[models.DeviceID]*worker
}

func NewSubscriber(cfg Config, adapter Adapter, emit Sink, hooks Hooks, log logger.Logger) *Subscriber {
	cfg = cfg.WithDefaults()

	return &Subscriber{
		config:     cfg,
		adapter:    adapter,
		hooks:      hooks,
		emit:       emit,
		normalizer: NewNormalizer(),
		dedup:      NewDeduper(cfg.DedupWindow.Std()),
		logger:     log,
		now:        time.Now,
		workers:    make(map[models.DeviceID]*worker),
		retiring:   make(map[models.DeviceID]*worker),
	}
}

// Sync starts workers for event-capable devices and stops workers for
// devices that are gone or lost the capability.
func (s *Subscriber) Sync(ctx context.Context, devices []*models.Device) {
	want := make(map[models.DeviceID]*models.Device, len(devices))

	for _, d := range devices {
		if d != nil && d.Capabilities.Events && d.EventsAvailable {
			want[d.ID] = d
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.workers {
		if _, ok := want[id]; !ok {
			w.cancel()
			delete(s.workers, id)
			s.retiring[id] = w
		}
	}

	for id, d := range want {
		if w, ok := s.workers[id]; ok {
			w.device.Store(d.Clone())
			continue
		}

		wctx, cancel := context.WithCancel(ctx)
		w := &worker{cancel: cancel, done: make(chan struct{})}
		w.device.Store(d.Clone())

		if old, ok := s.retiring[id]; ok {
			w.prev = old.done
			delete(s.retiring, id)
		}

		s.workers[id] = w

		go s.run(wctx, id, w)
	}
}

// Active reports how many devices have a running worker.
func (s *Subscriber) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.workers)
}

// Stop cancels every worker and waits for their teardown, including
// workers already retiring.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers)+len(s.retiring))

	for id, w := range s.workers {
		w.cancel()
		workers = append(workers, w)
		delete(s.workers, id)
	}

	for id, w := range s.retiring {
		workers = append(workers, w)
		delete(s.retiring, id)
	}
	s.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
}

func (s *Subscriber) exit(id models.DeviceID, w *worker) {
	s.mu.Lock()
	if s.workers[id] == w {
		delete(s.workers, id)
	}

	if s.retiring[id] == w {
		delete(s.retiring, id)
	}
	s.mu.Unlock()

	close(w.done)
}

func (s *Subscriber) publish(id models.DeviceID, h Handle, state models.SubscriptionState, created, renewed time.Time) {
	if s.hooks.State == nil {
		return
	}

	s.hooks.State(models.EventSubscription{
		DeviceID:  id,
		Handle:    h.Address,
		Deadline:  h.Deadline,
		State:     state,
		CreatedAt: created,
		RenewedAt: renewed,
	})
}

func (s *Subscriber) run(ctx context.Context, id models.DeviceID, w *worker) {
	defer s.exit(id, w)

	if w.prev != nil {
		select {
		case <-w.prev:
		case <-ctx.Done():
			return
		}
	}

	h, ok := s.establish(ctx, id, w)
	if !ok {
		return
	}

	created := s.now()
	s.publish(id, h, models.SubscriptionActive, created, time.Time{})

	for {
		err := s.maintain(ctx, id, w, &h, created)
		if ctx.Err() != nil {
			s.teardown(id, w, h)
			return
		}

		s.logger.Warn().Err(err).Str("device_id", string(id)).Msg("Event subscription lost, re-subscribing")
		s.release(ctx, w, h)

		// One immediate fresh subscription before declaring failure.
		if nh, err := s.adapter.Subscribe(ctx, w.device.Load()); err == nil {
			h, created = nh, s.now()
			s.publish(id, h, models.SubscriptionActive, created, time.Time{})

			continue
		}

		s.publish(id, h, models.SubscriptionFailed, created, time.Time{})

		if h, ok = s.establish(ctx, id, w); !ok {
			return
		}

		created = s.now()
		s.publish(id, h, models.SubscriptionActive, created, time.Time{})
	}
}

// establish subscribes with bounded exponential retries. On exhaustion the
// device is reported unavailable.
func (s *Subscriber) establish(ctx context.Context, id models.DeviceID, w *worker) (Handle, bool) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.RetryInitial.Std()
	bo.MaxInterval = s.config.RetryMax.Std()

	operation := func() (Handle, error) {
		h, err := s.adapter.Subscribe(ctx, w.device.Load())
		if err != nil {
			s.logger.Debug().Err(err).Str("device_id", string(id)).Msg("Subscribe attempt failed")
			return Handle{}, err
		}

		return h, nil
	}

	h, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.config.MaxResubscribe)))
	if err == nil {
		return h, true
	}

	if ctx.Err() != nil {
		return Handle{}, false
	}

	s.logger.Warn().Err(fmt.Errorf("%w: %w", models.ErrSubscriptionLost, err)).
		Str("device_id", string(id)).Int("attempts", s.config.MaxResubscribe).
		Msg("Giving up on event subscription until next discovery cycle")

	if s.hooks.Unavailable != nil {
		s.hooks.Unavailable(id)
	}

	return Handle{}, false
}

// maintain pulls notifications and renews strictly before the deadline.
// It returns when the subscription is lost or ctx ends.
func (s *Subscriber) maintain(ctx context.Context, id models.DeviceID, w *worker, h *Handle, created time.Time) error {
	margin := s.config.RenewMargin.Std()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := s.now()
		renewAt := h.Deadline.Add(-margin)

		if !now.Before(renewAt) {
			if !now.Before(h.Deadline) {
				return fmt.Errorf("%w: %w", models.ErrSubscriptionLost, errDeadlineMissed)
			}

			s.publish(id, *h, models.SubscriptionRenewing, created, time.Time{})

			rctx, cancel := context.WithDeadline(ctx, h.Deadline)
			deadline, err := s.adapter.Renew(rctx, w.device.Load(), *h)
			cancel()

			if err != nil {
				return fmt.Errorf("%w: renew: %w", models.ErrSubscriptionLost, err)
			}

			h.Deadline = deadline
			s.publish(id, *h, models.SubscriptionActive, created, s.now())

			continue
		}

		wait := min(s.config.PullTimeout.Std(), renewAt.Sub(now))

		notes, err := s.adapter.Pull(ctx, w.device.Load(), *h, wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("%w: pull: %w", models.ErrSubscriptionLost, err)
		}

		for _, n := range notes {
			s.handle(id, n)
		}
	}
}

func (s *Subscriber) handle(id models.DeviceID, n Notification) {
	ev, ok := s.normalizer.Normalize(id, n)
	if !ok {
		return
	}

	if !s.dedup.Allow(ev) {
		s.logger.Debug().Str("device_id", string(id)).Str("kind", string(ev.Kind())).Msg("Suppressed duplicate event")
		return
	}

	if s.emit != nil {
		s.emit(ev)
	}
}

// Inject feeds a health-derived event through the same dedup path.
func (s *Subscriber) Inject(tr models.HealthTransition) {
	ev, ok := s.normalizer.HealthEvent(tr)
	if !ok || !s.dedup.Allow(ev) || s.emit == nil {
		return
	}

	s.emit(ev)
}

func (s *Subscriber) release(ctx context.Context, w *worker, h Handle) {
	uctx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()

	if err := s.adapter.Unsubscribe(uctx, w.device.Load(), h); err != nil {
		s.logger.Debug().Err(err).Msg("Unsubscribe failed")
	}
}

func (s *Subscriber) teardown(id models.DeviceID, w *worker, h Handle) {
	s.release(context.Background(), w, h)

	if s.hooks.Cleared != nil {
		s.hooks.Cleared(id)
	}
}

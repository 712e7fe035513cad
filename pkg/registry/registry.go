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

package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

const (
	defaultQueueSize        = 256
	defaultStaleWindow      = 3 * time.Minute
	defaultExpiryCheck      = 5 * time.Second
	defaultMissThreshold    = 2
	defaultFailureThreshold = 3
	defaultForgetAfter      = 24 * time.Hour
)

var (
	// ErrClosed is returned by Submit once Run has exited.
	ErrClosed = errors.New("registry closed")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("registry already running")
)

type Config struct {
	QueueSize   int             `json:"queue_size"`
	StaleWindow models.Duration `json:"stale_window"`
	ExpiryCheck models.Duration `json:"expiry_check"`
	// MissThreshold is how many discovery cycles a device may be absent
	// before it is considered unreachable.
	MissThreshold int `json:"miss_threshold"`
	// FailureThreshold is how many consecutive unreachable validations of
	// every endpoint make the device unreachable.
	FailureThreshold int             `json:"failure_threshold"`
	ForgetAfter      models.Duration `json:"forget_after"`
}

func (c Config) WithDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}

	if c.StaleWindow <= 0 {
		c.StaleWindow = models.Duration(defaultStaleWindow)
	}

	if c.ExpiryCheck <= 0 {
		c.ExpiryCheck = models.Duration(max(time.Millisecond, min(defaultExpiryCheck, c.StaleWindow.Std()/4)))
	}

	if c.MissThreshold <= 0 {
		c.MissThreshold = defaultMissThreshold
	}

	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}

	if c.ForgetAfter <= 0 {
		c.ForgetAfter = models.Duration(defaultForgetAfter)
	}

	return c
}

// Change is one observable effect of a mutation.
type Change struct {
	Delta      *models.InventoryDelta
	Transition *models.HealthTransition
}

// Listener receives changes on the registry's owning goroutine. It must not
// block and must not call Submit synchronously.
type Listener func(Change)

// Registry owns the device table. A single goroutine (Run) applies
// mutations; readers use immutable snapshots.
type Registry struct {
	config Config
	logger logger.Logger
	now    func() time.Time

	queue    chan Mutation
	snapshot atomic.Pointer[Snapshot]
	running  atomic.Bool
	done     chan struct{}

	mu        sync.Mutex
	listeners []Listener
}

func New(cfg Config, log logger.Logger) *Registry {
	cfg = cfg.WithDefaults()

	r := &Registry{
		config: cfg,
		logger: log,
		now:    time.Now,
		queue:  make(chan Mutation, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	r.snapshot.Store(emptySnapshot(cfg.StaleWindow.Std()))

	return r
}

// Listen registers l for all future changes.
func (r *Registry) Listen(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Snapshot returns the latest published view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

func (r *Registry) StaleWindow() time.Duration {
	return r.config.StaleWindow.Std()
}

// Submit queues m for the owning task.
func (r *Registry) Submit(ctx context.Context, m Mutation) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	select {
	case r.queue <- m:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues m without blocking and reports whether it was accepted.
func (r *Registry) TrySubmit(m Mutation) bool {
	select {
	case <-r.done:
		return false
	case r.queue <- m:
		return true
	default:
		r.logger.Warn().Msg("Registry queue full, dropping mutation")
		return false
	}
}

// Sync waits until every mutation submitted before it has been applied and
// its snapshot published.
func (r *Registry) Sync(ctx context.Context) error {
	b := barrier{done: make(chan struct{})}

	if err := r.Submit(ctx, b); err != nil {
		return err
	}

	select {
	case <-b.done:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued mutations until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	defer close(r.done)

	st := newState(r.config)
	ticker := time.NewTicker(r.config.ExpiryCheck.Std())
	defer ticker.Stop()

	r.logger.Info().Dur("stale_window", r.config.StaleWindow.Std()).Msg("Device registry started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Int("devices", len(st.entries)).Msg("Device registry stopped")
			return nil
		case m := <-r.queue:
			r.apply(st, m)

			if b, ok := m.(barrier); ok {
				close(b.done)
			}
		case <-ticker.C:
			r.apply(st, expireStale{})
		}
	}
}

func (r *Registry) apply(st *state, m Mutation) {
	now := r.now()
	m.apply(st, now)

	snap, changes := st.commit(now)
	if len(changes) == 0 {
		return
	}

	r.snapshot.Store(snap)

	r.mu.Lock()
	listeners := r.listeners
	r.mu.Unlock()

	for _, c := range changes {
		if c.Transition != nil {
			r.logger.Info().
				Str("device_id", string(c.Transition.DeviceID)).
				Str("from", string(c.Transition.From)).
				Str("to", string(c.Transition.To)).
				Msg("Device health changed")
		}

		for _, l := range listeners {
			l(c)
		}
	}
}

// Replay applies mutations to an empty registry state at the given times and
// returns the final snapshot with every change produced along the way.
func Replay(cfg Config, at func() time.Time, mutations ...Mutation) (*Snapshot, []Change) {
	st := newState(cfg.WithDefaults())
	snap := st.prev

	var all []Change

	for _, m := range mutations {
		now := at()
		m.apply(st, now)

		s, changes := st.commit(now)
		snap = s
		all = append(all, changes...)
	}

	return snap, all
}

// Expire runs the staleness pass as a mutation; exposed for replays.
func Expire() Mutation {
	return expireStale{}
}

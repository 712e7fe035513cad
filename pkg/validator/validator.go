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

// Package validator confirms stream endpoints deliver decodable media and
// keeps them revalidated on an interval and on demand.
package validator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

const (
	defaultInterval     = 60 * time.Second
	defaultTimeout      = 5 * time.Second
	defaultConcurrency  = 4
	defaultTriggerQueue = 64
	staleFactor         = 3
)

// Config controls validation.
type Config struct {
	Interval models.Duration `json:"interval"`
	Timeout  models.Duration `json:"timeout"`
	// StaleWindow defaults to three validation intervals.
	StaleWindow models.Duration `json:"stale_window"`
	// Concurrency is separate from the probe pool: checks hold a
	// connection open for up to Timeout.
	Concurrency int `json:"concurrency"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = models.Duration(defaultInterval)
	}

	if c.Timeout <= 0 {
		c.Timeout = models.Duration(defaultTimeout)
	}

	if c.StaleWindow <= 0 {
		c.StaleWindow = models.Duration(staleFactor * c.Interval.Std())
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	return c
}

// EndpointSource returns the endpoints currently known to the registry.
type EndpointSource func() []models.StreamEndpoint

// ResultFunc receives every validation outcome.
type ResultFunc func(models.StreamEndpoint)

// Validator runs FrameChecker against endpoints on its own worker pool.
type Validator struct {
	config  Config
	checker FrameChecker
	logger  logger.Logger
	now     func() time.Time
	sem     *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}

	triggers chan models.StreamEndpoint
}

// Option customizes a Validator.
type Option func(*Validator)

// WithChecker replaces the RTSP checker.
func WithChecker(c FrameChecker) Option {
	return func(v *Validator) { v.checker = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func New(cfg Config, log logger.Logger, opts ...Option) *Validator {
	cfg = cfg.WithDefaults()

	v := &Validator{
		config:   cfg,
		checker:  &RTSPChecker{Timeout: cfg.Timeout.Std()},
		logger:   log,
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		inFlight: make(map[string]struct{}),
		triggers: make(chan models.StreamEndpoint, defaultTriggerQueue),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// StaleWindow is the effective staleness window.
func (v *Validator) StaleWindow() time.Duration {
	return v.config.StaleWindow.Std()
}

func (v *Validator) claim(url string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, busy := v.inFlight[url]; busy {
		return false
	}

	v.inFlight[url] = struct{}{}

	return true
}

func (v *Validator) release(url string) {
	v.mu.Lock()
	delete(v.inFlight, url)
	v.mu.Unlock()
}

// Validate checks one endpoint and returns its updated state. The second
// return is false when a check of the same URL was already running.
func (v *Validator) Validate(ctx context.Context, ep models.StreamEndpoint) (models.StreamEndpoint, bool) {
	if !v.claim(ep.URL) {
		return ep, false
	}
	defer v.release(ep.URL)

	if err := v.sem.Acquire(ctx, 1); err != nil {
		return ep, false
	}
	defer v.sem.Release(1)

	media, err := v.checker.Check(ctx, ep)

	now := v.now()
	ep.LastAttempt = now

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a verdict on the stream.
			return ep, false
		}

		ep.State = models.ValidationInvalid
		ep.Reason = models.ReasonOf(err)
		ep.Failures++

		v.logger.Debug().Err(err).Str("device_id", string(ep.DeviceID)).
			Str("reason", string(ep.Reason)).Msg("Stream validation failed")

		return ep, true
	}

	ep.State = models.ValidationValid
	ep.Reason = ""
	ep.Failures = 0
	ep.LastValidated = now
	ep.Media = mergeMedia(ep.Media, media)

	return ep, true
}

// mergeMedia keeps describe-time metadata where the stream had none.
func mergeMedia(prev, got models.MediaInfo) models.MediaInfo {
	if got.Codec == "" {
		got.Codec = prev.Codec
	}

	if got.Width == 0 || got.Height == 0 {
		got.Width, got.Height = prev.Width, prev.Height
	}

	if got.FrameRate == 0 {
		got.FrameRate = prev.FrameRate
	}

	return got
}

// ValidateAll checks endpoints concurrently, bounded by Config.Concurrency,
// and reports each outcome. It returns when all checks are done.
func (v *Validator) ValidateAll(ctx context.Context, eps []models.StreamEndpoint, report ResultFunc) {
	var wg sync.WaitGroup

	for _, ep := range eps {
		wg.Add(1)

		go func(ep models.StreamEndpoint) {
			defer wg.Done()

			if out, ok := v.Validate(ctx, ep); ok {
				report(out)
			}
		}(ep)
	}

	wg.Wait()
}

// Trigger queues an out-of-band revalidation. It never blocks; a full
// queue drops the request since the interval pass will catch up.
func (v *Validator) Trigger(ep models.StreamEndpoint) bool {
	select {
	case v.triggers <- ep:
		return true
	default:
		v.logger.Warn().Str("device_id", string(ep.DeviceID)).Msg("Revalidation queue full, dropping trigger")
		return false
	}
}

// due selects endpoints whose last attempt is at least one interval old.
// Pending endpoints are left to the discovery cycle.
func (v *Validator) due(eps []models.StreamEndpoint) []models.StreamEndpoint {
	now := v.now()
	interval := v.config.Interval.Std()

	var out []models.StreamEndpoint

	for _, ep := range eps {
		if ep.State == models.ValidationPending {
			continue
		}

		if now.Sub(ep.LastAttempt) < interval {
			continue
		}

		out = append(out, ep)
	}

	return out
}

// Run revalidates endpoints every interval and serves triggers until ctx ends.
func (v *Validator) Run(ctx context.Context, source EndpointSource, report ResultFunc) error {
	ticker := time.NewTicker(v.config.Interval.Std())
	defer ticker.Stop()

	v.logger.Info().Dur("interval", v.config.Interval.Std()).
		Dur("stale_window", v.config.StaleWindow.Std()).Msg("Starting stream validator")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ep := <-v.triggers:
			wg.Add(1)

			go func() {
				defer wg.Done()

				if out, ok := v.Validate(ctx, ep); ok {
					report(out)
				}
			}()
		case <-ticker.C:
			eps := v.due(source())
			if len(eps) == 0 {
				continue
			}

			wg.Add(1)

			go func() {
				defer wg.Done()

				v.ValidateAll(ctx, eps, report)
			}()
		}
	}
}

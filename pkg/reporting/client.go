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

// Package reporting forwards inventory and events to the remote management
// service through a durable store-and-forward queue.
package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/telemetry"
)

const (
	SinkHTTP = "http"
	SinkNATS = "nats"

	defaultConcurrency  = 4
	defaultPollInterval = time.Second
	defaultRetryInitial = time.Second
	defaultRetryMax     = 5 * time.Minute
	defaultIntakeSize   = 1024
)

var (
	errUnknownSink     = errors.New("unknown reporting sink")
	errMissingEndpoint = errors.New("reporting endpoint is required")
	errMissingNATSURL  = errors.New("reporting nats url is required")
)

type Config struct {
	Enabled      bool            `json:"enabled"`
	Sink         string          `json:"sink"`
	Endpoint     string          `json:"endpoint"`
	DeviceToken  string          `json:"device_token"`
	Timeout      models.Duration `json:"timeout"`
	NATS         NATSConfig      `json:"nats"`
	Queue        QueueConfig     `json:"queue"`
	Concurrency  int             `json:"concurrency"`
	PollInterval models.Duration `json:"poll_interval"`
	RetryInitial models.Duration `json:"retry_initial"`
	RetryMax     models.Duration `json:"retry_max"`
	IntakeSize   int             `json:"intake_size"`
}

func (c Config) WithDefaults() Config {
	if c.Sink == "" {
		c.Sink = SinkHTTP
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	if c.IntakeSize <= 0 {
		c.IntakeSize = defaultIntakeSize
	}

	c.Timeout = models.Duration(c.Timeout.Or(defaultHTTPTimeout))
	c.PollInterval = models.Duration(c.PollInterval.Or(defaultPollInterval))
	c.RetryInitial = models.Duration(c.RetryInitial.Or(defaultRetryInitial))
	c.RetryMax = models.Duration(c.RetryMax.Or(defaultRetryMax))
	c.NATS = c.NATS.WithDefaults()
	c.Queue = c.Queue.WithDefaults()

	return c
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	switch c.Sink {
	case "", SinkHTTP:
		if c.Endpoint == "" {
			return errMissingEndpoint
		}
	case SinkNATS:
		if c.NATS.URL == "" {
			return errMissingNATSURL
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownSink, c.Sink)
	}

	return nil
}

// NewSink builds the sink named by cfg.Sink.
func NewSink(ctx context.Context, cfg Config, agentID string, log logger.Logger) (Sink, error) {
	cfg = cfg.WithDefaults()

	switch cfg.Sink {
	case SinkHTTP:
		return NewHTTPSink(cfg.Endpoint, cfg.DeviceToken, agentID, cfg.Timeout.Std()), nil
	case SinkNATS:
		return NewNATSSink(ctx, cfg.NATS, agentID, log)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownSink, cfg.Sink)
	}
}

// Client accepts records without blocking, persists them, and delivers the
// head record of each device. A device's next record is only attempted once
// its head has been acknowledged or discarded.
type Client struct {
	config Config
	sink   Sink
	queue   *Queue
	logger  logger.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	intake chan models.OutboundRecord
	wake   chan struct{}

	mu       sync.Mutex
	backoffs map[models.DeviceID]*backoff.ExponentialBackOff
}

type ClientOption func(*Client)

// WithMetrics counts every record outcome.
func WithMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func NewClient(cfg Config, sink Sink, queue *Queue, log logger.Logger, opts ...ClientOption) *Client {
	cfg = cfg.WithDefaults()

	c := &Client{
		config:   cfg,
		sink:     sink,
		queue:    queue,
		logger:   log,
		now:      time.Now,
		intake:   make(chan models.OutboundRecord, cfg.IntakeSize),
		wake:     make(chan struct{}, 1),
		backoffs: make(map[models.DeviceID]*backoff.ExponentialBackOff),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Submit hands rec to the writer. It never blocks; a full intake drops the
// record and reports false.
func (c *Client) Submit(rec models.OutboundRecord) bool {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = rec.CreatedAt
	}

	rec.State = models.DeliveryPending

	select {
	case c.intake <- rec:
		return true
	default:
		c.count(context.Background(), rec, telemetry.OutcomeDropped)
		c.logger.Warn().
			Str("device_id", string(rec.DeviceID)).
			Str("kind", string(rec.Kind)).
			Msg("Reporting intake full, record dropped")

		return false
	}
}

func (c *Client) ReportEvent(ev models.NormalizedEvent) bool {
	payload, err := json.Marshal(ev.View())
	if err != nil {
		c.logger.Error().Err(err).Str("event_id", ev.ID()).Msg("Failed to encode event")
		return false
	}

	return c.Submit(models.OutboundRecord{
		DeviceID:  ev.DeviceID(),
		Kind:      models.RecordEvent,
		Timestamp: ev.Timestamp(),
		Payload:   payload,
	})
}

func (c *Client) ReportDelta(delta models.InventoryDelta) bool {
	payload, err := json.Marshal(delta)
	if err != nil {
		c.logger.Error().Err(err).Str("device_id", string(delta.DeviceID)).Msg("Failed to encode inventory delta")
		return false
	}

	return c.Submit(models.OutboundRecord{
		DeviceID: delta.DeviceID,
		Kind:     models.RecordInventory,
		Payload:  payload,
	})
}

// ReportSnapshot queues one inventory record per device.
func (c *Client) ReportSnapshot(inv models.Inventory) int {
	queued := 0

	for i := range inv.Devices {
		dev := inv.Devices[i]

		if c.ReportDelta(models.InventoryDelta{
			Version:  inv.Version,
			Op:       models.DeltaUpsert,
			DeviceID: dev.Device.ID,
			Device:   &dev,
		}) {
			queued++
		}
	}

	return queued
}

// Run writes submitted records to the queue and delivers queued ones until
// ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info().
		Str("sink", c.sink.Name()).
		Int("concurrency", c.config.Concurrency).
		Msg("Reporting client started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.deliverLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (c *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-c.intake:
			if _, err := c.queue.Append(ctx, rec); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				c.logger.Error().Err(err).Str("device_id", string(rec.DeviceID)).Msg("Failed to persist outbound record")

				continue
			}

			if err := c.queue.Trim(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Outbound queue trim failed")
			}

			c.signal()
		}
	}
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) deliverLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.PollInterval.Std())
	defer ticker.Stop()

	for {
		progressed, err := c.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("Reporting pass failed")
		}

		if progressed {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// Flush makes one delivery pass over the due heads. It reports whether any
// record left the queue.
func (c *Client) Flush(ctx context.Context) (bool, error) {
	heads, err := c.queue.Heads(ctx, c.now(), c.config.Concurrency*4)
	if err != nil {
		return false, err
	}

	if len(heads) == 0 {
		return false, nil
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		progress bool
	)

	g.SetLimit(c.config.Concurrency)

	for _, rec := range heads {
		g.Go(func() error {
			if c.deliver(ctx, rec) {
				mu.Lock()
				progress = true
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return progress, nil
}

// deliver attempts one record and reports whether it left the queue.
func (c *Client) deliver(ctx context.Context, rec models.OutboundRecord) bool {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout.Std())
	err := c.sink.Deliver(callCtx, rec)
	cancel()

	log := c.logger.With().
		Uint64("seq", rec.Seq).
		Str("device_id", string(rec.DeviceID)).
		Str("kind", string(rec.Kind)).
		Logger()

	switch {
	case err == nil:
		c.resetBackoff(rec.DeviceID)

		if ackErr := c.queue.Ack(ctx, rec.Seq); ackErr != nil {
			log.Error().Err(ackErr).Msg("Failed to acknowledge delivered record")
			return false
		}

		c.count(ctx, rec, telemetry.OutcomeDelivered)
		log.Debug().Msg("Record delivered")

		return true
	case errors.Is(err, models.ErrReportingRejectedPermanent):
		c.resetBackoff(rec.DeviceID)

		if discardErr := c.queue.Discard(ctx, rec, err); discardErr != nil {
			log.Error().Err(discardErr).Msg("Failed to discard rejected record")
			return false
		}

		c.count(ctx, rec, telemetry.OutcomeDiscarded)
		log.Warn().Err(err).Msg("Record rejected by remote, discarded")

		return true
	default:
		if ctx.Err() != nil {
			return false
		}

		wait := c.nextBackoff(rec.DeviceID)

		kept, retryErr := c.queue.Retry(ctx, rec, c.now().Add(wait), err)
		if retryErr != nil {
			log.Error().Err(retryErr).Msg("Failed to reschedule record")
			return false
		}

		if !kept {
			c.resetBackoff(rec.DeviceID)
			c.count(ctx, rec, telemetry.OutcomeExpired)
			log.Warn().Err(err).Int("attempts", rec.Attempts+1).Msg("Record out of attempts, discarded")

			return true
		}

		c.count(ctx, rec, telemetry.OutcomeRetry)
		log.Warn().Err(err).Dur("retry_in", wait).Int("attempts", rec.Attempts+1).Msg("Record delivery failed")

		return false
	}
}

func (c *Client) count(ctx context.Context, rec models.OutboundRecord, outcome telemetry.Outcome) {
	if c.metrics == nil {
		return
	}

	c.metrics.RecordDelivery(ctx, c.sink.Name(), rec.Kind, outcome)
}

func (c *Client) nextBackoff(id models.DeviceID) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	bo, ok := c.backoffs[id]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = c.config.RetryInitial.Std()
		bo.MaxInterval = c.config.RetryMax.Std()
		bo.Reset()
		c.backoffs[id] = bo
	}

	return bo.NextBackOff()
}

func (c *Client) resetBackoff(id models.DeviceID) {
	c.mu.Lock()
	delete(c.backoffs, id)
	c.mu.Unlock()
}

// Pending is the number of records waiting in the durable queue.
func (c *Client) Pending(ctx context.Context) (int, error) {
	return c.queue.Len(ctx)
}

func (c *Client) Close() error {
	return errors.Join(c.sink.Close(), c.queue.Close())
}

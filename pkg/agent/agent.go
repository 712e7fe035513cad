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

// Package agent supervises discovery, validation, event subscriptions, the
// local bridge and remote reporting as one long-running process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/camradar/pkg/bridge"
	"github.com/carverauto/camradar/pkg/events"
	"github.com/carverauto/camradar/pkg/lifecycle"
	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/probe"
	"github.com/carverauto/camradar/pkg/registry"
	"github.com/carverauto/camradar/pkg/reporting"
	"github.com/carverauto/camradar/pkg/sweeper"
	"github.com/carverauto/camradar/pkg/telemetry"
	"github.com/carverauto/camradar/pkg/transcoder"
	"github.com/carverauto/camradar/pkg/validator"
)

const submitTimeout = 5 * time.Second

var (
	// ErrUnknownDevice is returned by Revalidate for an ID not in the registry.
	ErrUnknownDevice  = errors.New("unknown device")
	errNoEndpoints    = errors.New("device has no stream endpoints")
	errAlreadyStarted = errors.New("agent already started")
)

// Sweeper produces discovery candidates for one cycle.
type Sweeper interface {
	Sweep(ctx context.Context) <-chan sweeper.Candidate
}

// Prober classifies candidates into cameras.
type Prober interface {
	ProbeAll(ctx context.Context, candidates <-chan sweeper.Candidate, emit func(*probe.Result)) error
}

// Reporter is the subset of the reporting client the agent feeds.
type Reporter interface {
	Run(ctx context.Context) error
	ReportEvent(ev models.NormalizedEvent) bool
	ReportDelta(delta models.InventoryDelta) bool
	ReportSnapshot(inv models.Inventory) int
	Pending(ctx context.Context) (int, error)
	Close() error
}

// Option customizes an Agent, mostly for tests.
type Option func(*options)

type options struct {
	sweeper       Sweeper
	prober        Prober
	validatorOpts []validator.Option
	eventAdapter  events.Adapter
	sink          reporting.Sink
	streams       bridge.StreamStarter
	meters        metric.MeterProvider
	relays        RelayStarter
}

func WithSweeper(s Sweeper) Option { return func(o *options) { o.sweeper = s } }

func WithProber(p Prober) Option { return func(o *options) { o.prober = p } }

func WithValidatorOptions(opts ...validator.Option) Option {
	return func(o *options) { o.validatorOpts = append(o.validatorOpts, opts...) }
}

func WithEventAdapter(a events.Adapter) Option { return func(o *options) { o.eventAdapter = a } }

// WithSink replaces the configured remote sink.
func WithSink(s reporting.Sink) Option { return func(o *options) { o.sink = s } }

func WithStreamStarter(s bridge.StreamStarter) Option { return func(o *options) { o.streams = s } }

// WithRelayStarter replaces the ffmpeg relay used by start_stream commands.
func WithRelayStarter(r RelayStarter) Option { return func(o *options) { o.relays = r } }

// WithMeterProvider records agent metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option { return func(o *options) { o.meters = mp } }

// Agent wires every component around the device registry.
type Agent struct {
	config Config
	logger logger.Logger

	registry   *registry.Registry
	sweeper    Sweeper
	prober     Prober
	validator  *validator.Validator
	subscriber *events.Subscriber
	dispatcher *events.Dispatcher
	bridge     *bridge.Server
	preview    *bridge.PreviewManager
	reporter   Reporter
	control    *controller
	metrics    *telemetry.Metrics

	startedAt time.Time
	rescan    chan struct{}
	cycling   atomic.Bool
	cycles    atomic.Uint64
	lastCycle atomic.Pointer[CycleReport]

	statusMu sync.Mutex
	status   map[string]*ComponentStatus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the agent. Nothing runs until Start or RunOnce.
func New(ctx context.Context, cfg Config, log logger.Logger, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &Agent{
		config: cfg,
		logger: log,
		rescan: make(chan struct{}, 1),
		status: make(map[string]*ComponentStatus),
	}

	meters := o.meters
	if meters == nil {
		meters = otel.GetMeterProvider()
	}

	metrics, err := telemetry.NewMetrics(meters)
	if err != nil {
		log.Warn().Err(err).Msg("Metrics unavailable")
	}

	a.metrics = metrics

	a.registry = registry.New(cfg.Registry, lifecycle.ComponentLogger(log, "registry"))

	a.sweeper = o.sweeper
	if a.sweeper == nil {
		a.sweeper = sweeper.NewNetworkSweeper(cfg.Sweep, lifecycle.ComponentLogger(log, "sweeper"))
	}

	a.prober = o.prober
	if a.prober == nil {
		a.prober = probe.NewProber(cfg.Probe, lifecycle.ComponentLogger(log, "probe"))
	}

	a.validator = validator.New(cfg.Validation, lifecycle.ComponentLogger(log, "validator"), o.validatorOpts...)

	if err := a.buildReporter(ctx, o.sink); err != nil {
		return nil, err
	}

	a.bridge = bridge.New(cfg.Bridge, cfg.AgentID, a.inventory, a, lifecycle.ComponentLogger(log, "bridge"))

	a.dispatcher = events.NewDispatcher(a.bridge.PublishEvent)
	if a.reporter != nil {
		a.dispatcher.Add(func(ev models.NormalizedEvent) { a.reporter.ReportEvent(ev) })
	}

	adapter := o.eventAdapter
	if adapter == nil {
		adapter = events.NewONVIFAdapter(cfg.Probe.Credentials, cfg.Events.Termination.Std())
	}

	a.subscriber = events.NewSubscriber(cfg.Events, adapter, a.dispatcher.Publish, events.Hooks{
		State: func(sub models.EventSubscription) {
			a.submit(registry.SubscriptionChanged{Subscription: sub})
		},
		Cleared: func(id models.DeviceID) {
			a.submit(registry.SubscriptionCleared{DeviceID: id})
		},
		Unavailable: func(id models.DeviceID) {
			a.submit(registry.EventsUnavailable{DeviceID: id})
		},
	}, lifecycle.ComponentLogger(log, "events"))

	if cfg.Preview.Enabled {
		streams := o.streams
		if streams == nil {
			runner := transcoder.NewRunner(cfg.Transcoder, lifecycle.ComponentLogger(log, "transcoder"))
			streams = bridge.TranscoderStarter(runner)
		}

		a.preview = bridge.NewPreviewManager(cfg.Preview, streams, a.bridge, a.inventory,
			func(ep models.StreamEndpoint) { a.validator.Trigger(ep) },
			lifecycle.ComponentLogger(log, "preview"))
	}

	if cfg.Control.Enabled {
		relays := o.relays
		if relays == nil {
			relays = ffmpegRelays(cfg.Transcoder, log)
		}

		a.control = newController(a, relays, lifecycle.ComponentLogger(log, "control"))
	}

	a.registry.Listen(a.onChange)

	return a, nil
}

// ffmpegRelays returns nil when ffmpeg is not installed.
func ffmpegRelays(cfg transcoder.Config, log logger.Logger) RelayStarter {
	runner := transcoder.NewRunner(cfg, lifecycle.ComponentLogger(log, "relay"))
	if !runner.Available() {
		log.Warn().Str("ffmpeg", cfg.FFmpegPath).Msg("ffmpeg not found, remote stream relays disabled")
		return nil
	}

	return func(ctx context.Context, src, dst string) (RelayStream, error) {
		p, err := runner.Relay(ctx, src, dst)
		if err != nil {
			return nil, err
		}

		return p, nil
	}
}

func (a *Agent) buildReporter(ctx context.Context, sink reporting.Sink) error {
	if !a.config.Reporting.Enabled {
		return nil
	}

	log := lifecycle.ComponentLogger(a.logger, "reporting")

	if sink == nil {
		var err error

		sink, err = reporting.NewSink(ctx, a.config.Reporting, a.config.AgentID, log)
		if err != nil {
			return fmt.Errorf("reporting sink: %w", err)
		}
	}

	queue, err := reporting.OpenQueue(a.config.Reporting.Queue, log)
	if err != nil {
		_ = sink.Close()
		return err
	}

	a.reporter = reporting.NewClient(a.config.Reporting, sink, queue, log, reporting.WithMetrics(a.metrics))

	return nil
}

// onChange runs on the registry goroutine and must not block.
func (a *Agent) onChange(c registry.Change) {
	if c.Delta != nil {
		a.bridge.PublishDelta(*c.Delta)

		if a.reporter != nil {
			a.reporter.ReportDelta(*c.Delta)
		}
	}

	if c.Transition != nil {
		a.subscriber.Inject(*c.Transition)
	}
}

// submit queues m from a callback that has no context of its own.
func (a *Agent) submit(m registry.Mutation) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	if err := a.registry.Submit(ctx, m); err != nil && !errors.Is(err, registry.ErrClosed) {
		a.logger.Warn().Err(err).Msg("Registry update dropped")
	}
}

func (a *Agent) recordValidation(ep models.StreamEndpoint) {
	a.metrics.RecordValidation(context.Background(), ep)
	a.submit(registry.Validated{Endpoint: ep})
}

func (a *Agent) inventory(now time.Time) models.Inventory {
	return a.registry.Snapshot().Inventory(now)
}

// Registry exposes the device registry for read-only use.
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

// Bridge exposes the local bridge server.
func (a *Agent) Bridge() *bridge.Server {
	return a.bridge
}

// Start launches every component under supervision and returns.
func (a *Agent) Start(ctx context.Context) error {
	if a.cancel != nil {
		return errAlreadyStarted
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.startedAt = time.Now()

	a.logger.Info().
		Str("agent_id", a.config.AgentID).
		Dur("discovery_interval", a.config.DiscoveryInterval.Std()).
		Bool("reporting", a.reporter != nil).
		Bool("preview", a.preview != nil).
		Bool("control", a.control != nil).
		Msg("Starting camera agent")

	a.wg.Add(1)

	go func() {
		defer a.wg.Done()

		if err := a.registry.Run(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Registry stopped")
		}
	}()

	components := []component{
		{name: "discovery", run: a.discoveryLoop},
		{name: "validator", run: func(ctx context.Context) error {
			return a.validator.Run(ctx, a.endpoints, a.recordValidation)
		}},
		{name: "bridge", run: a.bridge.Run},
	}

	if a.preview != nil {
		components = append(components, component{name: "preview", run: a.preview.Run})
	}

	if a.reporter != nil {
		components = append(components, component{name: "reporting", run: a.reporter.Run})
	}

	if a.control != nil {
		components = append(components, component{name: "control", run: a.control.Run})
	}

	for _, c := range components {
		a.wg.Add(1)

		go func() {
			defer a.wg.Done()
			a.supervise(ctx, c)
		}()
	}

	return nil
}

// Stop cancels all components and waits for them to exit.
func (a *Agent) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}

	a.cancel()

	done := make(chan struct{})

	go func() {
		a.wg.Wait()
		a.subscriber.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("agent stop: %w", ctx.Err())
	}

	if a.reporter != nil {
		if err := a.reporter.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close reporting client")
		}
	}

	a.logger.Info().Msg("Camera agent stopped")

	return nil
}

func (a *Agent) endpoints() []models.StreamEndpoint {
	return a.registry.Snapshot().Endpoints(time.Now())
}

// Rescan requests a discovery cycle. It reports false when one is already
// queued.
func (a *Agent) Rescan() bool {
	select {
	case a.rescan <- struct{}{}:
		return true
	default:
		return false
	}
}

// Revalidate queues an out-of-band validation of every endpoint of id.
func (a *Agent) Revalidate(id models.DeviceID) error {
	snap := a.registry.Snapshot()

	if _, ok := snap.Device(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	eps := snap.DeviceEndpoints(id, time.Now())
	if len(eps) == 0 {
		return fmt.Errorf("%w: %s", errNoEndpoints, id)
	}

	for _, ep := range eps {
		a.validator.Trigger(ep)
	}

	return nil
}

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

package probe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/sweeper"
)

// Prober runs adapters against candidates on a bounded worker pool.
type Prober struct {
	config   Config
	adapters []Adapter
	macs     MACResolver
	aliases  *AliasTable
	logger   logger.Logger
	now      func() time.Time

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// Option customizes a Prober.
type Option func(*Prober)

// WithAdapters replaces the default adapter order.
func WithAdapters(a ...Adapter) Option {
	return func(p *Prober) { p.adapters = a }
}

// WithMACResolver replaces ARP/SNMP lookup.
func WithMACResolver(r MACResolver) Option {
	return func(p *Prober) { p.macs = r }
}

// WithAliasTable shares an identity alias table, e.g. across probers.
func WithAliasTable(t *AliasTable) Option {
	return func(p *Prober) { p.aliases = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

// NewProber wires the default adapter order: RTSP (fastest, most common),
// then ONVIF (standard discovery), then the HTTP fingerprint fallback.
func NewProber(cfg Config, log logger.Logger, opts ...Option) *Prober {
	cfg = cfg.WithDefaults()

	resolvers := chainResolver{&ARPTable{Path: cfg.ARPTable}}
	if cfg.SNMP.Enabled {
		resolvers = append(resolvers, &SNMPResolver{
			Community: cfg.SNMP.Community,
			Port:      cfg.SNMP.Port,
			Timeout:   cfg.SNMP.Timeout.Std(),
		})
	}

	p := &Prober{
		config: cfg,
		adapters: []Adapter{
			NewRTSPAdapter(cfg, log),
			NewONVIFAdapter(cfg, log),
			NewHTTPAdapter(cfg, log),
		},
		macs:   resolvers,
		logger: log,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.aliases == nil {
		aliases, err := NewAliasTable(cfg.AliasFile)
		if err != nil {
			log.Warn().Err(err).Msg("Starting with empty identity aliases")

			aliases, _ = NewAliasTable("")
		}

		p.aliases = aliases
	}

	return p
}

// MaxInFlight reports the peak number of concurrent probes observed.
func (p *Prober) MaxInFlight() int {
	return int(p.maxInFlight.Load())
}

func (p *Prober) track() func() {
	n := p.inFlight.Add(1)

	for {
		peak := p.maxInFlight.Load()
		if n <= peak || p.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	return func() { p.inFlight.Add(-1) }
}

// Probe classifies one candidate. It returns ErrNoCamera when every adapter
// rejected it and ErrNoStableIdentity when it is a camera without a usable
// hardware identifier.
func (p *Prober) Probe(ctx context.Context, c sweeper.Candidate) (*Result, error) {
	defer p.track()()

	var (
		accepted []Adapter
		findings []*Finding
	)

	for _, a := range p.adapters {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		actx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout.Std())
		f, err := a.Discover(actx, c)
		cancel()

		if err != nil {
			if !errors.Is(err, models.ErrProbeRejected) {
				p.logger.Debug().Err(err).Str("address", c.Address.String()).
					Str("protocol", string(a.Kind())).Msg("Probe attempt failed")
			}

			continue
		}

		accepted = append(accepted, a)
		findings = append(findings, f)
	}

	if len(findings) == 0 {
		return nil, fmt.Errorf("%w at %s", ErrNoCamera, c.Address)
	}

	device := p.classify(ctx, c, findings)
	if device == nil {
		return nil, fmt.Errorf("%w at %s", ErrNoStableIdentity, c.Address)
	}

	return &Result{Device: device, Endpoints: p.describe(ctx, device, accepted)}, nil
}

func (p *Prober) classify(ctx context.Context, c sweeper.Candidate, findings []*Finding) *models.Device {
	hints := IdentityHints{EndpointRef: c.EndpointRef}
	caps := models.Capabilities{}
	ports := slices.Clone(c.OpenPorts)

	for _, f := range findings {
		hints = hints.merge(f.Identity)
		caps = caps.Merge(f.Capabilities)

		for _, port := range f.Ports {
			if !slices.Contains(ports, port) {
				ports = append(ports, port)
			}
		}
	}

	if caps.Brand == "" {
		caps.Brand = BrandFromPorts(ports)
	}

	if p.macs != nil {
		lctx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout.Std())
		if mac, err := p.macs.LookupMAC(lctx, c.Address); err == nil && mac != "" {
			hints.MAC = mac
		}
		cancel()
	}

	id, source, ok := p.aliases.Resolve(hints)
	if !ok {
		return nil
	}

	slices.Sort(ports)

	now := p.now()

	return &models.Device{
		ID:              id,
		Address:         c.Address.String(),
		MAC:             hints.MAC,
		Serial:          hints.Serial,
		IdentitySource:  source,
		Ports:           ports,
		Capabilities:    caps,
		EventsAvailable: caps.Events,
		DiscoveredAt:    now,
		LastSeen:        now,
		Health:          models.HealthReachable,
	}
}

// describe asks accepted adapters for streams, preferring ONVIF profiles
// over RTSP path guessing, and stops at the first adapter that yields any.
func (p *Prober) describe(ctx context.Context, d *models.Device, accepted []Adapter) []models.StreamEndpoint {
	ordered := slices.Clone(accepted)
	slices.SortStableFunc(ordered, func(a, b Adapter) int {
		return describeRank(a.Kind()) - describeRank(b.Kind())
	})

	for _, a := range ordered {
		dctx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout.Std()*time.Duration(p.config.MaxDescribeTries))
		endpoints, err := a.Describe(dctx, d)
		cancel()

		if err != nil {
			p.logger.Debug().Err(err).Str("device_id", string(d.ID)).
				Str("protocol", string(a.Kind())).Msg("Describe failed")

			continue
		}

		if len(endpoints) > 0 {
			return endpoints
		}
	}

	return nil
}

func describeRank(k models.ProtocolKind) int {
	switch k {
	case models.ProtocolONVIF:
		return 0
	case models.ProtocolRTSP:
		return 1
	case models.ProtocolHTTP:
		return 2
	default:
		return 3
	}
}

// ProbeAll drains candidates through a worker pool of Config.Concurrency
// and hands each classified camera to emit. A failing candidate never
// stops the others.
func (p *Prober) ProbeAll(ctx context.Context, candidates <-chan sweeper.Candidate, emit func(*Result)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	probed := 0
	found := atomic.Int64{}

	for c := range candidates {
		if gctx.Err() != nil {
			break
		}

		probed++

		g.Go(func() error {
			res, err := p.Probe(gctx, c)
			if err != nil {
				if !errors.Is(err, ErrNoCamera) {
					p.logger.Debug().Err(err).Str("address", c.Address.String()).Msg("Candidate not admitted")
				}

				return nil
			}

			found.Add(1)
			emit(res)

			return nil
		})
	}

	// Keep draining so the sweeper goroutine can exit.
	for range candidates {
	}

	err := g.Wait()

	if ferr := p.aliases.Flush(); ferr != nil {
		p.logger.Warn().Err(ferr).Msg("Failed to save identity aliases")
	}

	p.logger.Info().Int("candidates", probed).Int64("cameras", found.Load()).Msg("Probe pass completed")

	return err
}

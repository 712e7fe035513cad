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

package sweeper

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/scan"
)

// SubnetSource returns the prefixes to sweep.
type SubnetSource func() ([]netip.Prefix, error)

// NetworkSweeper produces one deduplicated stream of candidates per Sweep.
type NetworkSweeper struct {
	config    Config
	scanner   scan.Scanner
	listeners []PassiveListener
	subnets   SubnetSource
	logger    logger.Logger
}

// Option customizes a NetworkSweeper.
type Option func(*NetworkSweeper)

// WithScanner overrides the active-phase scanner.
func WithScanner(s scan.Scanner) Option {
	return func(n *NetworkSweeper) { n.scanner = s }
}

// WithListeners overrides the passive listeners.
func WithListeners(l ...PassiveListener) Option {
	return func(n *NetworkSweeper) { n.listeners = l }
}

// WithSubnetSource overrides subnet discovery.
func WithSubnetSource(src SubnetSource) Option {
	return func(n *NetworkSweeper) { n.subnets = src }
}

// NewNetworkSweeper wires the default passive listeners and a rate-limited
// TCP scanner from cfg.
func NewNetworkSweeper(cfg Config, log logger.Logger, opts ...Option) *NetworkSweeper {
	cfg = cfg.withDefaults()

	s := &NetworkSweeper{
		config: cfg,
		logger: log,
	}

	if cfg.WSDiscovery {
		s.listeners = append(s.listeners, &WSDiscoveryListener{Hello: cfg.ListenHello})
	}

	if cfg.MDNS {
		s.listeners = append(s.listeners, &MDNSListener{})
	}

	s.scanner = scan.NewTCPSweeper(cfg.ConnectTimeout.Std(), cfg.Concurrency, log, scan.WithRateLimit(cfg.RateLimit))
	s.subnets = s.configuredSubnets

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *NetworkSweeper) configuredSubnets() ([]netip.Prefix, error) {
	if len(s.config.Subnets) == 0 {
		return scan.LocalSubnets()
	}

	out := make([]netip.Prefix, 0, len(s.config.Subnets))

	for _, cidr := range s.config.Subnets {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			if a, aerr := netip.ParseAddr(cidr); aerr == nil {
				p = netip.PrefixFrom(a, a.BitLen())
			} else {
				return nil, err
			}
		}

		out = append(out, p.Masked())
	}

	return out, nil
}

// Sweep starts a sweep and returns its candidates lazily. The channel is
// closed when the sweep finishes or SweepTimeout elapses, whichever comes
// first; hosts still unanswered at that point are left for the next cycle.
func (s *NetworkSweeper) Sweep(ctx context.Context) <-chan Candidate {
	out := make(chan Candidate)

	go func() {
		defer close(out)

		start := time.Now()

		sweepCtx, cancel := context.WithTimeout(ctx, s.config.SweepTimeout.Std())
		defer cancel()

		run := &sweepRun{out: out, seen: make(map[netip.Addr]struct{})}

		s.runPassive(sweepCtx, run)

		if s.config.ActiveProbes && s.scanner != nil {
			s.runActive(sweepCtx, run)
		}

		ev := s.logger.Info()
		if errors.Is(sweepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			ev = s.logger.Warn().AnErr("reason", models.ErrDiscoveryTimeout)
		}

		ev.Int("candidates", run.emitted).
			Dur("duration", time.Since(start)).
			Msg("Sweep completed")
	}()

	return out
}

type sweepRun struct {
	mu      sync.Mutex
	out     chan<- Candidate
	seen    map[netip.Addr]struct{}
	emitted int
}

// emit forwards c unless its address was already produced this cycle.
func (r *sweepRun) emit(ctx context.Context, c Candidate) bool {
	if !c.Address.IsValid() {
		return false
	}

	r.mu.Lock()
	if _, dup := r.seen[c.Address]; dup {
		r.mu.Unlock()
		return false
	}

	r.seen[c.Address] = struct{}{}
	r.mu.Unlock()

	select {
	case r.out <- c:
		r.mu.Lock()
		r.emitted++
		r.mu.Unlock()

		return true
	case <-ctx.Done():
		return false
	}
}

func (r *sweepRun) known(a netip.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.seen[a]

	return ok
}

// runPassive listens for the passive window and emits one merged candidate
// per announced address once the window closes, so a later WS-Discovery
// sighting still contributes its endpoint reference.
func (s *NetworkSweeper) runPassive(ctx context.Context, run *sweepRun) {
	if len(s.listeners) == 0 {
		return
	}

	passiveCtx, cancel := context.WithTimeout(ctx, s.config.PassiveWindow.Std())
	defer cancel()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		order []netip.Addr
		found = make(map[netip.Addr]Candidate)
	)

	for _, l := range s.listeners {
		wg.Add(1)

		go func(l PassiveListener) {
			defer wg.Done()

			err := l.Listen(passiveCtx, func(c Candidate) {
				if !c.Address.IsValid() {
					return
				}

				mu.Lock()
				defer mu.Unlock()

				if prev, ok := found[c.Address]; ok {
					found[c.Address] = prev.merge(c)
					return
				}

				found[c.Address] = c
				order = append(order, c.Address)
			})
			if err != nil {
				s.logger.Debug().Err(err).Str("listener", l.Name()).Msg("Passive discovery listener failed")
			}
		}(l)
	}

	wg.Wait()

	for _, a := range order {
		run.emit(ctx, found[a])
	}
}

func (s *NetworkSweeper) hostsToProbe(run *sweepRun) []netip.Addr {
	prefixes, err := s.subnets()
	if err != nil {
		s.logger.Warn().Err(err).Msg("No subnets available for active probing")
		return nil
	}

	var hosts []netip.Addr

	for _, p := range prefixes {
		addrs, err := scan.HostsInPrefix(p)
		if err != nil {
			s.logger.Debug().Err(err).Str("prefix", p.String()).Msg("Skipping prefix")
			continue
		}

		for _, a := range addrs {
			if run.known(a) {
				continue
			}

			hosts = append(hosts, a)

			if len(hosts) >= s.config.MaxHosts {
				s.logger.Warn().Int("max_hosts", s.config.MaxHosts).Msg("Host cap reached, truncating sweep")
				return hosts
			}
		}
	}

	return hosts
}

type hostProgress struct {
	remaining int
	open      []int
}

// runActive emits a host once every probed port has answered. Hosts still
// waiting on a port when ctx ends are dropped until the next cycle.
func (s *NetworkSweeper) runActive(ctx context.Context, run *sweepRun) {
	hosts := s.hostsToProbe(run)
	if len(hosts) == 0 {
		return
	}

	// Host-major order lets each host complete early in the scan.
	targets := make([]models.Target, 0, len(hosts)*len(s.config.Ports))
	progress := make(map[string]*hostProgress, len(hosts))

	for _, h := range hosts {
		progress[h.String()] = &hostProgress{remaining: len(s.config.Ports)}

		for _, port := range s.config.Ports {
			targets = append(targets, scan.TargetFromIP(h.String(), models.ModeTCP, port))
		}
	}

	s.logger.Debug().Int("hosts", len(hosts)).Int("targets", len(targets)).Msg("Starting active probe phase")

	results, err := s.scanner.Scan(ctx, targets)
	if err != nil {
		s.logger.Error().Err(err).Msg("Active probe phase failed to start")
		return
	}

	for r := range results {
		hp, ok := progress[r.Target.Host]
		if !ok {
			continue
		}

		hp.remaining--

		if r.Available {
			hp.open = append(hp.open, r.Target.Port)
		}

		if hp.remaining == 0 {
			s.emitHost(ctx, run, r.Target.Host, hp)
			delete(progress, r.Target.Host)
		}
	}

	if len(progress) > 0 {
		s.logger.Debug().Int("hosts", len(progress)).Msg("Hosts unanswered at sweep deadline, retrying next cycle")
	}
}

func (*NetworkSweeper) emitHost(ctx context.Context, run *sweepRun, host string, hp *hostProgress) {
	if len(hp.open) == 0 {
		return
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return
	}

	ports := slices.Clone(hp.open)
	slices.Sort(ports)

	run.emit(ctx, Candidate{Address: addr, Source: SourceTCP, OpenPorts: ports})
}

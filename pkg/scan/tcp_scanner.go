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

package scan

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

const (
	defaultTCPTimeout            = 2 * time.Second
	defaultConcurrency           = 64
	defaultConcurrencyMultiplier = 2
)

// TCPSweeper is a connect() scanner. Concurrency bounds the number of open
// sockets; the limiter bounds connection attempts per second.
type TCPSweeper struct {
	timeout     time.Duration
	concurrency int
	limiter     *rate.Limiter
	dial        DialFunc
	logger      logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

var _ Scanner = (*TCPSweeper)(nil)

// TCPOption customizes a TCPSweeper.
type TCPOption func(*TCPSweeper)

// WithRateLimit caps connection attempts per second. Zero disables the cap.
func WithRateLimit(pps int) TCPOption {
	return func(s *TCPSweeper) {
		if pps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(pps), pps)
		}
	}
}

// WithDialer replaces the network dialer.
func WithDialer(dial DialFunc) TCPOption {
	return func(s *TCPSweeper) {
		s.dial = dial
	}
}

func NewTCPSweeper(timeout time.Duration, concurrency int, log logger.Logger, opts ...TCPOption) *TCPSweeper {
	if timeout == 0 {
		timeout = defaultTCPTimeout
	}

	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	var d net.Dialer

	s := &TCPSweeper{
		timeout:     timeout,
		concurrency: concurrency,
		dial:        d.DialContext,
		logger:      log,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *TCPSweeper) Scan(ctx context.Context, targets []models.Target) (<-chan models.Result, error) {
	tcpTargets := filterTCPTargets(targets)
	if len(tcpTargets) == 0 {
		ch := make(chan models.Result)
		close(ch)

		return ch, nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrScanAlreadyRunning
	}

	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	resultCh := make(chan models.Result, s.concurrency)
	workCh := make(chan models.Target, s.concurrency*defaultConcurrencyMultiplier)

	var wg sync.WaitGroup

	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s.worker(scanCtx, workCh, resultCh)
		}()
	}

	go func() {
		defer close(workCh)

		for _, t := range tcpTargets {
			select {
			case <-scanCtx.Done():
				return
			case workCh <- t:
			}
		}
	}()

	go func() {
		wg.Wait()
		cancel()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		close(resultCh)
	}()

	return resultCh, nil
}

func (s *TCPSweeper) worker(ctx context.Context, workCh <-chan models.Target, resultCh chan<- models.Result) {
	for t := range workCh {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		now := time.Now()
		result := models.Result{
			Target:    t,
			FirstSeen: now,
			LastSeen:  now,
		}

		avail, rtt, err := s.checkPort(ctx, t.Host, t.Port)
		result.Available = avail
		result.RespTime = rtt
		result.Error = err

		select {
		case <-ctx.Done():
			return
		case resultCh <- result:
		}
	}
}

func (s *TCPSweeper) checkPort(ctx context.Context, host string, port int) (bool, time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	start := time.Now()

	conn, err := s.dial(probeCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if probeCtx.Err() != nil {
			return false, time.Since(start), probeCtx.Err()
		}

		return false, time.Since(start), fmt.Errorf("dial %s:%d: %w", host, port, err)
	}

	if err := conn.Close(); err != nil {
		s.logger.Debug().Err(err).Str("host", host).Int("port", port).Msg("failed to close connection")
	}

	return true, time.Since(start), nil
}

// MaxInFlight reports the highest number of simultaneous dials observed.
func (s *TCPSweeper) MaxInFlight() int {
	return int(s.maxInFlight.Load())
}

func (s *TCPSweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	return nil
}

func filterTCPTargets(targets []models.Target) []models.Target {
	var filtered []models.Target

	for _, t := range targets {
		if t.Mode == models.ModeTCP || t.Mode == "" {
			filtered = append(filtered, t)
		}
	}

	return filtered
}

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

package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Component states reported in the health view.
const (
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateStopped    = "stopped"
)

type component struct {
	name string
	run  func(ctx context.Context) error
}

// ComponentStatus is the supervisor's view of one component.
type ComponentStatus struct {
	State     string    `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

func (a *Agent) setStatus(name, state string, err error) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()

	st, ok := a.status[name]
	if !ok {
		st = &ComponentStatus{}
		a.status[name] = st
	}

	if state == StateRestarting {
		st.Restarts++
	}

	if err != nil {
		st.LastError = err.Error()
	}

	st.State = state
	st.Since = time.Now()
}

func (a *Agent) statuses() map[string]ComponentStatus {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()

	out := make(map[string]ComponentStatus, len(a.status))
	for name, st := range a.status {
		out[name] = *st
	}

	return out
}

// supervise runs c until ctx ends, restarting it with exponential backoff
// whenever it returns early. A run that lasted StableAfter resets the backoff.
func (a *Agent) supervise(ctx context.Context, c component) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.config.Restart.Initial.Std()
	bo.MaxInterval = a.config.Restart.Max.Std()
	bo.Reset()

	for {
		a.setStatus(c.name, StateRunning, nil)

		started := time.Now()
		err := a.runGuarded(ctx, c)

		if ctx.Err() != nil {
			a.setStatus(c.name, StateStopped, nil)
			return
		}

		if err == nil {
			err = errExitedEarly
		}

		if time.Since(started) >= a.config.Restart.StableAfter.Std() {
			bo.Reset()
		}

		wait := bo.NextBackOff()

		a.setStatus(c.name, StateRestarting, err)
		a.logger.Error().Err(err).Str("component", c.name).Dur("restart_in", wait).Msg("Component exited, restarting")

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			a.setStatus(c.name, StateStopped, nil)

			return
		case <-timer.C:
		}
	}
}

// runGuarded turns a panic in c into an error so it is restarted like any
// other failure.
func (a *Agent) runGuarded(ctx context.Context, c component) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("component", c.name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Component panicked")

			err = fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()

	return c.run(ctx)
}

var (
	errExitedEarly = errors.New("component exited unexpectedly")
	errPanicked    = errors.New("component panicked")
)

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
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/camradar/pkg/events"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/probe"
	"github.com/carverauto/camradar/pkg/sweeper"
)

type fakeSweeper struct {
	candidates []sweeper.Candidate
	sweeps     atomic.Int32
	block      chan struct{}

	// from hides the candidates until this sweep number.
	from int32
}

func (f *fakeSweeper) Sweep(ctx context.Context) <-chan sweeper.Candidate {
	n := f.sweeps.Add(1)

	out := make(chan sweeper.Candidate)

	go func() {
		defer close(out)

		if f.block != nil {
			select {
			case <-f.block:
			case <-ctx.Done():
				return
			}
		}

		if n < f.from {
			return
		}

		for _, c := range f.candidates {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func candidate(addr string) sweeper.Candidate {
	return sweeper.Candidate{Address: netip.MustParseAddr(addr), Source: sweeper.SourceTCP, OpenPorts: []int{554, 80}}
}

// fakeCamera answers as an ONVIF camera with events whose serial is derived
// from its address.
type fakeCamera struct{}

func (fakeCamera) Kind() models.ProtocolKind { return models.ProtocolONVIF }

func (fakeCamera) Discover(_ context.Context, c sweeper.Candidate) (*probe.Finding, error) {
	return &probe.Finding{
		Protocol: models.ProtocolONVIF,
		Capabilities: models.Capabilities{
			StreamProtocols: []models.ProtocolKind{models.ProtocolRTSP},
			Events:          true,
			Manufacturer:    "Acme",
			Model:           "Cam 1",
		},
		Ports:    []int{554},
		Identity: probe.IdentityHints{Manufacturer: "Acme", Serial: "SN-" + c.Address.String()},
	}, nil
}

func (fakeCamera) Describe(_ context.Context, d *models.Device) ([]models.StreamEndpoint, error) {
	return []models.StreamEndpoint{{
		DeviceID: d.ID,
		URL:      fmt.Sprintf("rtsp://%s:554/stream1", d.Address),
		Protocol: models.ProtocolRTSP,
		State:    models.ValidationPending,
	}}, nil
}

type fakeChecker struct {
	mu      sync.Mutex
	checked []string
	err     error
}

func (f *fakeChecker) Check(_ context.Context, ep models.StreamEndpoint) (models.MediaInfo, error) {
	f.mu.Lock()
	f.checked = append(f.checked, ep.URL)
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return models.MediaInfo{}, err
	}

	return models.MediaInfo{Codec: "H264", Width: 1920, Height: 1080}, nil
}

func (f *fakeChecker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.checked)
}

// motionCamera delivers the same motion-start twice once released.
type motionCamera struct {
	release    chan struct{}
	subscribed atomic.Int32
	pulls      atomic.Int32
}

func (m *motionCamera) Subscribe(_ context.Context, d *models.Device) (events.Handle, error) {
	m.subscribed.Add(1)

	return events.Handle{
		Address:  "http://" + d.Address + "/onvif/subscription/1",
		Deadline: time.Now().Add(time.Hour),
	}, nil
}

func (m *motionCamera) Renew(context.Context, *models.Device, events.Handle) (time.Time, error) {
	return time.Now().Add(time.Hour), nil
}

func (m *motionCamera) Pull(ctx context.Context, _ *models.Device, _ events.Handle, wait time.Duration) ([]events.Notification, error) {
	if m.pulls.Add(1) == 1 {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		now := time.Now()
		note := events.Notification{
			Topic:     "tns1:RuleEngine/CellMotionDetector/Motion",
			Time:      now,
			Operation: "Changed",
			Data:      map[string]string{"IsMotion": "true"},
		}

		redelivered := note
		redelivered.Time = now.Add(200 * time.Millisecond)

		return []events.Notification{note, redelivered}, nil
	}

	select {
	case <-time.After(wait):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *motionCamera) Unsubscribe(context.Context, *models.Device, events.Handle) error {
	return nil
}

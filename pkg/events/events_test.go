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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		note  Notification
		want  models.EventKind
		event bool
	}{
		{"motion start", Notification{Topic: "tns1:VideoSource/MotionAlarm", Data: map[string]string{"State": "true"}}, models.EventMotionStart, true},
		{"motion stop", Notification{Topic: "tns1:RuleEngine/CellMotionDetector/Motion", Data: map[string]string{"IsMotion": "false"}}, models.EventMotionStop, true},
		{"initial idle", Notification{Topic: "tns1:VideoSource/MotionAlarm", Operation: "Initialized", Data: map[string]string{"State": "false"}}, "", false},
		{"tamper", Notification{Topic: "tns1:VideoSource/GlobalSceneChange/ImagingService", Data: map[string]string{"State": "true"}}, models.EventTamper, true},
		{"video loss", Notification{Topic: "tns1:VideoSource/VideoLoss", Data: map[string]string{"State": "true"}}, models.EventOffline, true},
		{"video loss underscored", Notification{Topic: "tns1:VideoSource/video_loss", Data: map[string]string{"State": "true"}}, models.EventOffline, true},
		{"video back", Notification{Topic: "tns1:VideoSource/VideoLoss", Data: map[string]string{"State": "false"}}, models.EventOnline, true},
		{"other", Notification{Topic: "tns1:Device/Trigger/DigitalInput"}, models.EventOther, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, ok := Classify(tc.note)
			assert.Equal(t, tc.event, ok)
			assert.Equal(t, tc.want, kind)
		})
	}
}

func TestHealthEvent(t *testing.T) {
	n := NewNormalizer()

	ev, ok := n.HealthEvent(models.HealthTransition{DeviceID: "cam:1", From: models.HealthValidated, To: models.HealthUnreachable})
	require.True(t, ok)
	assert.Equal(t, models.EventOffline, ev.Kind())

	ev, ok = n.HealthEvent(models.HealthTransition{DeviceID: "cam:1", From: models.HealthUnreachable, To: models.HealthReachable})
	require.True(t, ok)
	assert.Equal(t, models.EventOnline, ev.Kind())

	_, ok = n.HealthEvent(models.HealthTransition{DeviceID: "cam:1", From: models.HealthReachable, To: models.HealthValidated})
	assert.False(t, ok)
}

func TestDeduper(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDeduper(2 * time.Second)
	d.now = func() time.Time { return now }

	ev := func(kind models.EventKind) models.NormalizedEvent {
		return models.NewNormalizedEvent("x", "cam:1", kind, "", now, nil)
	}

	assert.True(t, d.Allow(ev(models.EventMotionStart)))

	now = now.Add(time.Second)
	assert.False(t, d.Allow(ev(models.EventMotionStart)), "redelivery inside the window")

	now = now.Add(1500 * time.Millisecond)
	assert.False(t, d.Allow(ev(models.EventMotionStart)), "redelivery extends the window")

	assert.True(t, d.Allow(ev(models.EventMotionStop)))
	assert.True(t, d.Allow(ev(models.EventMotionStart)), "stop re-arms start")

	other := models.NewNormalizedEvent("y", "cam:2", models.EventMotionStart, "", now, nil)
	assert.True(t, d.Allow(other), "different device")

	now = now.Add(3 * time.Second)
	assert.True(t, d.Allow(ev(models.EventMotionStart)))
}

func TestDispatcherFansOutInOrder(t *testing.T) {
	var a, b []string

	d := NewDispatcher(func(e models.NormalizedEvent) { a = append(a, e.ID()) })
	d.Add(func(e models.NormalizedEvent) { b = append(b, e.ID()) })

	for i := 0; i < 5; i++ {
		d.Publish(models.NewNormalizedEvent(fmt.Sprint(i), "cam:1", models.EventOther, "", time.Now(), nil))
	}

	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, a)
	assert.Equal(t, a, b)
}

// fakeAdapter tracks how many subscriptions are open on each device.
type fakeAdapter struct {
	mu          sync.Mutex
	termination time.Duration
	active      map[models.DeviceID]int
	peak        int
	subscribes  int
	renews      int
	failRenew   bool
	notes       chan Notification
	nextHandle  int
}

func newFakeAdapter(termination time.Duration) *fakeAdapter {
	return &fakeAdapter{
		termination: termination,
		active:      make(map[models.DeviceID]int),
		notes:       make(chan Notification, 16),
	}
}

func (f *fakeAdapter) Subscribe(_ context.Context, d *models.Device) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subscribes++
	f.nextHandle++
	f.active[d.ID]++

	if f.active[d.ID] > f.peak {
		f.peak = f.active[d.ID]
	}

	return Handle{Address: fmt.Sprintf("sub-%d", f.nextHandle), Deadline: time.Now().Add(f.termination)}, nil
}

func (f *fakeAdapter) Renew(context.Context, *models.Device, Handle) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.renews++

	if f.failRenew {
		return time.Time{}, errors.New("renew refused")
	}

	return time.Now().Add(f.termination), nil
}

func (f *fakeAdapter) Pull(ctx context.Context, _ *models.Device, _ Handle, wait time.Duration) ([]Notification, error) {
	select {
	case n := <-f.notes:
		return []Notification{n}, nil
	case <-time.After(wait):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeAdapter) Unsubscribe(_ context.Context, d *models.Device, _ Handle) error {
	f.mu.Lock()
	f.active[d.ID]--
	f.mu.Unlock()

	return nil
}

func (f *fakeAdapter) stats() (peak, subscribes, renews int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.peak, f.subscribes, f.renews
}

type eventLog struct {
	mu     sync.Mutex
	events []models.NormalizedEvent
	states []models.SubscriptionState
}

func (l *eventLog) sink(ev models.NormalizedEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) state(s models.EventSubscription) {
	l.mu.Lock()
	l.states = append(l.states, s.State)
	l.mu.Unlock()
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.events)
}

func eventDevice(id models.DeviceID) *models.Device {
	return &models.Device{ID: id, EventsAvailable: true, Capabilities: models.Capabilities{Events: true}}
}

func fastConfig() Config {
	return Config{
		Termination:    models.Duration(300 * time.Millisecond),
		RenewMargin:    models.Duration(100 * time.Millisecond),
		PullTimeout:    models.Duration(30 * time.Millisecond),
		MaxResubscribe: 3,
		RetryInitial:   models.Duration(time.Millisecond),
		RetryMax:       models.Duration(5 * time.Millisecond),
	}
}

func TestSubscriberRenewsAndDeduplicates(t *testing.T) {
	adapter := newFakeAdapter(300 * time.Millisecond)
	log := &eventLog{}

	s := NewSubscriber(fastConfig(), adapter, log.sink, Hooks{State: log.state}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Sync(ctx, []*models.Device{eventDevice("cam:1")})

	motion := Notification{Topic: "tns1:VideoSource/MotionAlarm", Data: map[string]string{"State": "true"}}
	adapter.notes <- motion
	adapter.notes <- motion

	require.Eventually(t, func() bool {
		_, _, renews := adapter.stats()
		return renews >= 2
	}, 3*time.Second, 10*time.Millisecond)

	s.Stop()

	peak, subscribes, _ := adapter.stats()
	assert.Equal(t, 1, peak)
	assert.Equal(t, 1, subscribes)
	assert.Equal(t, 1, log.count(), "duplicate motion notification must be suppressed")
	assert.Equal(t, models.EventMotionStart, log.events[0].Kind())
	assert.Contains(t, log.states, models.SubscriptionRenewing)
	assert.Equal(t, 0, adapter.active["cam:1"], "stop tears the subscription down")
}

func TestSubscriberAtMostOnePerDevice(t *testing.T) {
	adapter := newFakeAdapter(200 * time.Millisecond)
	adapter.failRenew = true

	s := NewSubscriber(fastConfig(), adapter, nil, Hooks{}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			s.Sync(ctx, []*models.Device{eventDevice("cam:1")})
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, s.Active())

	// Every renewal fails, forcing repeated re-subscriptions.
	require.Eventually(t, func() bool {
		_, subscribes, _ := adapter.stats()
		return subscribes >= 3
	}, 3*time.Second, 10*time.Millisecond)

	s.Stop()

	peak, _, _ := adapter.stats()
	assert.Equal(t, 1, peak)
}

func TestSubscriberFreshResubscribeAfterRenewFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := NewMockAdapter(ctrl)
	dev := eventDevice("cam:1")

	first := Handle{Address: "sub-1", Deadline: time.Now().Add(150 * time.Millisecond)}
	second := Handle{Address: "sub-2", Deadline: time.Now().Add(time.Hour)}

	pull := func(ctx context.Context, _ *models.Device, _ Handle, wait time.Duration) ([]Notification, error) {
		select {
		case <-time.After(wait):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	gomock.InOrder(
		adapter.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(first, nil),
		adapter.EXPECT().Renew(gomock.Any(), gomock.Any(), first).Return(time.Time{}, errors.New("gone")),
		adapter.EXPECT().Unsubscribe(gomock.Any(), gomock.Any(), first).Return(nil),
		adapter.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(second, nil),
	)
	adapter.EXPECT().Pull(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(pull).AnyTimes()
	adapter.EXPECT().Unsubscribe(gomock.Any(), gomock.Any(), second).Return(nil)

	log := &eventLog{}
	cleared := make(chan models.DeviceID, 1)

	s := NewSubscriber(fastConfig(), adapter, nil, Hooks{
		State:   log.state,
		Cleared: func(id models.DeviceID) { cleared <- id },
	}, logger.NewTestLogger())

	s.Sync(context.Background(), []*models.Device{dev})

	require.Eventually(t, func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()

		n := len(log.states)

		return n >= 3 && log.states[n-1] == models.SubscriptionActive
	}, 3*time.Second, 10*time.Millisecond)

	s.Sync(context.Background(), nil)

	select {
	case id := <-cleared:
		assert.Equal(t, models.DeviceID("cam:1"), id)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription was not torn down")
	}

	assert.NotContains(t, log.states, models.SubscriptionFailed)
}

func TestSubscriberGivesUpAfterBoundedRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := NewMockAdapter(ctrl)

	adapter.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(Handle{}, errors.New("refused")).Times(3)

	unavailable := make(chan models.DeviceID, 1)

	s := NewSubscriber(fastConfig(), adapter, nil, Hooks{
		Unavailable: func(id models.DeviceID) { unavailable <- id },
	}, logger.NewTestLogger())

	s.Sync(context.Background(), []*models.Device{eventDevice("cam:9")})

	select {
	case id := <-unavailable:
		assert.Equal(t, models.DeviceID("cam:9"), id)
	case <-time.After(3 * time.Second):
		t.Fatal("device was not marked unavailable")
	}

	require.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSyncSkipsDevicesWithoutEvents(t *testing.T) {
	adapter := newFakeAdapter(time.Hour)
	s := NewSubscriber(fastConfig(), adapter, nil, Hooks{}, logger.NewTestLogger())

	noEvents := &models.Device{ID: "cam:2"}
	disabled := eventDevice("cam:3")
	disabled.EventsAvailable = false

	s.Sync(context.Background(), []*models.Device{noEvents, disabled})
	assert.Equal(t, 0, s.Active())

	s.Stop()
}

// gatedAdapter holds every Unsubscribe until gate is closed.
type gatedAdapter struct {
	*fakeAdapter
	gate chan struct{}
}

func (g *gatedAdapter) Unsubscribe(ctx context.Context, d *models.Device, h Handle) error {
	<-g.gate
	return g.fakeAdapter.Unsubscribe(ctx, d, h)
}

func TestResubscribeWaitsForPreviousTeardown(t *testing.T) {
	adapter := &gatedAdapter{fakeAdapter: newFakeAdapter(time.Hour), gate: make(chan struct{})}

	var (
		mu    sync.Mutex
		order []string
	)

	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()

		return append([]string(nil), order...)
	}

	s := NewSubscriber(fastConfig(), adapter, nil, Hooks{
		State: func(sub models.EventSubscription) {
			if sub.State == models.SubscriptionActive {
				record("active " + sub.Handle)
			}
		},
		Cleared: func(models.DeviceID) { record("cleared") },
	}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := eventDevice("cam:1")

	s.Sync(ctx, []*models.Device{dev})
	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	s.Sync(ctx, nil)
	s.Sync(ctx, []*models.Device{dev})

	time.Sleep(50 * time.Millisecond)

	_, subscribes, _ := adapter.stats()
	assert.Equal(t, 1, subscribes, "replacement must not subscribe while the old one is open")

	close(adapter.gate)

	require.Eventually(t, func() bool { return len(snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"active sub-1", "cleared", "active sub-2"}, snapshot())

	s.Stop()

	peak, _, _ := adapter.stats()
	assert.Equal(t, 1, peak)
}

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

package validator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/liberrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

type fakeChecker struct {
	mu      sync.Mutex
	results map[string]error
	media   models.MediaInfo
	delay   time.Duration
	calls   atomic.Int64
	active  atomic.Int64
	peak    atomic.Int64
}

func (f *fakeChecker) Check(ctx context.Context, ep models.StreamEndpoint) (models.MediaInfo, error) {
	f.calls.Add(1)

	n := f.active.Add(1)
	defer f.active.Add(-1)

	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.MediaInfo{}, ctx.Err()
		}
	}

	f.mu.Lock()
	err := f.results[ep.URL]
	f.mu.Unlock()

	if err != nil {
		return models.MediaInfo{}, err
	}

	return f.media, nil
}

func TestValidateTransitions(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	checker := &fakeChecker{
		results: map[string]error{
			"rtsp://bad": models.NewValidationError(models.ReasonAuthRejected, errors.New("401")),
		},
		media: models.MediaInfo{Codec: "h264", Width: 1280, Height: 720},
	}

	v := New(Config{}, logger.NewTestLogger(), WithChecker(checker), WithClock(func() time.Time { return now }))

	t.Run("success records metadata", func(t *testing.T) {
		ep := models.StreamEndpoint{URL: "rtsp://good", State: models.ValidationPending, Failures: 2,
			Media: models.MediaInfo{FrameRate: 25}}

		out, ok := v.Validate(context.Background(), ep)
		require.True(t, ok)
		assert.Equal(t, models.ValidationValid, out.State)
		assert.Equal(t, now, out.LastValidated)
		assert.Zero(t, out.Failures)
		assert.Equal(t, models.MediaInfo{Codec: "h264", Width: 1280, Height: 720, FrameRate: 25}, out.Media)
	})

	t.Run("failure records reason", func(t *testing.T) {
		ep := models.StreamEndpoint{URL: "rtsp://bad", State: models.ValidationValid, LastValidated: now.Add(-time.Minute)}

		out, ok := v.Validate(context.Background(), ep)
		require.True(t, ok)
		assert.Equal(t, models.ValidationInvalid, out.State)
		assert.Equal(t, models.ReasonAuthRejected, out.Reason)
		assert.Equal(t, 1, out.Failures)
		assert.Equal(t, now.Add(-time.Minute), out.LastValidated)
	})
}

func TestValidateAllUsesBoundedPool(t *testing.T) {
	checker := &fakeChecker{delay: 5 * time.Millisecond}
	v := New(Config{Concurrency: 3}, logger.NewTestLogger(), WithChecker(checker))

	eps := make([]models.StreamEndpoint, 30)
	for i := range eps {
		eps[i] = models.StreamEndpoint{URL: fmt.Sprintf("rtsp://cam-%d", i)}
	}

	var reported atomic.Int64

	v.ValidateAll(context.Background(), eps, func(models.StreamEndpoint) { reported.Add(1) })

	assert.Equal(t, int64(30), reported.Load())
	assert.LessOrEqual(t, checker.peak.Load(), int64(3))
}

func TestValidateSkipsDuplicateInFlight(t *testing.T) {
	checker := &fakeChecker{delay: 50 * time.Millisecond}
	v := New(Config{}, logger.NewTestLogger(), WithChecker(checker))

	ep := models.StreamEndpoint{URL: "rtsp://same"}

	var wg sync.WaitGroup

	var ran atomic.Int64

	for i := 0; i < 5; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, ok := v.Validate(context.Background(), ep); ok {
				ran.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, checker.calls.Load(), ran.Load())
	assert.Less(t, ran.Load(), int64(5))
}

func TestDueSelection(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	v := New(Config{Interval: models.Duration(time.Minute)}, logger.NewTestLogger(),
		WithClock(func() time.Time { return now }))

	eps := []models.StreamEndpoint{
		{URL: "pending", State: models.ValidationPending},
		{URL: "valid-recent", State: models.ValidationValid, LastAttempt: now.Add(-10 * time.Second)},
		{URL: "valid-old", State: models.ValidationValid, LastAttempt: now.Add(-2 * time.Minute)},
		{URL: "expired", State: models.ValidationExpired, LastAttempt: now.Add(-5 * time.Minute)},
		{URL: "invalid", State: models.ValidationInvalid, LastAttempt: now.Add(-time.Minute)},
	}

	var urls []string
	for _, ep := range v.due(eps) {
		urls = append(urls, ep.URL)
	}

	assert.Equal(t, []string{"valid-old", "expired", "invalid"}, urls)
	assert.Equal(t, 3*time.Minute, v.StaleWindow())
}

func TestRunServesTriggers(t *testing.T) {
	checker := &fakeChecker{}
	v := New(Config{Interval: models.Duration(time.Hour)}, logger.NewTestLogger(), WithChecker(checker))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan models.StreamEndpoint, 1)

	done := make(chan error, 1)
	go func() {
		done <- v.Run(ctx, func() []models.StreamEndpoint { return nil }, func(ep models.StreamEndpoint) {
			results <- ep
		})
	}()

	require.True(t, v.Trigger(models.StreamEndpoint{DeviceID: "cam:1", URL: "rtsp://cam"}))

	select {
	case ep := <-results:
		assert.Equal(t, models.ValidationValid, ep.State)
	case <-time.After(2 * time.Second):
		t.Fatal("trigger was not served")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.ValidationReason
	}{
		{"unauthorized", liberrors.ErrClientBadStatusCode{Code: base.StatusUnauthorized}, models.ReasonAuthRejected},
		{"not found", liberrors.ErrClientBadStatusCode{Code: base.StatusNotFound}, models.ReasonNotFound},
		{"net timeout", fmt.Errorf("read: %w", timeoutErr{}), models.ReasonTimeout},
		{"deadline", context.DeadlineExceeded, models.ReasonTimeout},
		{"refused", errors.New("dial tcp: connection refused"), models.ReasonUnreachable},
		{"already classified", models.NewValidationError(models.ReasonUnsupportedCodec, nil), models.ReasonUnsupportedCodec},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify(tc.err)
			require.ErrorIs(t, err, models.ErrValidationFailed)
			assert.Equal(t, tc.want, models.ReasonOf(err))
		})
	}
}

func TestRandomAccessDetection(t *testing.T) {
	idr := []byte{0x65, 0x88}
	nonIDR := []byte{0x41, 0x9a}
	sps := []byte{0x67, 0x42}

	assert.True(t, h264RandomAccess([][]byte{sps, idr}))
	assert.False(t, h264RandomAccess([][]byte{nonIDR}))
	assert.Equal(t, sps, inBandH264SPS([][]byte{sps, idr}))

	// IDR_W_RADL is type 19: (19 << 1) = 0x26.
	assert.True(t, h265RandomAccess([][]byte{{0x26, 0x01}}))
	assert.False(t, h265RandomAccess([][]byte{{0x02, 0x01}}))

	assert.Equal(t, models.MediaInfo{Codec: "h264"}, mediaFromH264(nil))
	assert.Equal(t, "h265", mediaFromH265([]byte{0x42}).Codec)
}

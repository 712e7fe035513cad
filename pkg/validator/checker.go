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
	"os"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	"github.com/bluenviron/gortsplib/v5/pkg/liberrors"
	"github.com/pion/rtp"

	"github.com/carverauto/camradar/pkg/models"
)

// FrameChecker opens a stream and waits for the first decodable frame.
// Failures are returned as *models.ValidationError.
type FrameChecker interface {
	Check(ctx context.Context, endpoint models.StreamEndpoint) (models.MediaInfo, error)
}

// RTSPChecker plays an RTSP stream over TCP until one H.264 or H.265
// random-access unit arrives.
type RTSPChecker struct {
	Timeout time.Duration
}

type firstFrame struct {
	once  sync.Once
	media chan models.MediaInfo
}

func (f *firstFrame) deliver(m models.MediaInfo) {
	f.once.Do(func() { f.media <- m })
}

func (c *RTSPChecker) Check(ctx context.Context, ep models.StreamEndpoint) (models.MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	u, err := base.ParseURL(ep.URL)
	if err != nil {
		return models.MediaInfo{}, models.NewValidationError(models.ReasonNotFound, err)
	}

	transport := gortsplib.ProtocolTCP

	client := &gortsplib.Client{
		Scheme:       u.Scheme,
		Host:         u.Host,
		Protocol:     &transport,
		ReadTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
	}

	if err := client.Start(); err != nil {
		return models.MediaInfo{}, Classify(err)
	}

	var once sync.Once

	closeClient := func() { once.Do(client.Close) }

	stop := context.AfterFunc(ctx, closeClient)
	defer stop()
	defer closeClient()

	desc, _, err := client.Describe(u)
	if err != nil {
		return models.MediaInfo{}, classifyCtx(ctx, err)
	}

	frame := &firstFrame{media: make(chan models.MediaInfo, 1)}

	if err := subscribeFirstFrame(client, desc, frame); err != nil {
		return models.MediaInfo{}, classifyCtx(ctx, err)
	}

	if _, err := client.Play(nil); err != nil {
		return models.MediaInfo{}, classifyCtx(ctx, err)
	}

	select {
	case m := <-frame.media:
		return m, nil
	case <-ctx.Done():
		return models.MediaInfo{}, models.NewValidationError(models.ReasonTimeout, ctx.Err())
	}
}

// subscribeFirstFrame sets up the first H.264 or H.265 track and reports
// the first random-access unit it decodes.
func subscribeFirstFrame(client *gortsplib.Client, desc *description.Session, frame *firstFrame) error {
	var h264f *format.H264

	if medi := desc.FindFormat(&h264f); medi != nil {
		dec, err := h264f.CreateDecoder()
		if err != nil {
			return models.NewValidationError(models.ReasonUnsupportedCodec, err)
		}

		if _, err := client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
			return err
		}

		sps, _ := h264f.SafeParams()

		client.OnPacketRTP(medi, h264f, func(pkt *rtp.Packet) {
			au, err := dec.Decode(pkt)
			if err != nil || !h264RandomAccess(au) {
				return
			}

			if inBand := inBandH264SPS(au); inBand != nil {
				sps = inBand
			}

			frame.deliver(mediaFromH264(sps))
		})

		return nil
	}

	var h265f *format.H265

	if medi := desc.FindFormat(&h265f); medi != nil {
		dec, err := h265f.CreateDecoder()
		if err != nil {
			return models.NewValidationError(models.ReasonUnsupportedCodec, err)
		}

		if _, err := client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
			return err
		}

		_, sps, _ := h265f.SafeParams()

		client.OnPacketRTP(medi, h265f, func(pkt *rtp.Packet) {
			au, err := dec.Decode(pkt)
			if err != nil || !h265RandomAccess(au) {
				return
			}

			if inBand := inBandH265SPS(au); inBand != nil {
				sps = inBand
			}

			frame.deliver(mediaFromH265(sps))
		})

		return nil
	}

	return models.NewValidationError(models.ReasonUnsupportedCodec, errNoVideoTrack)
}

var errNoVideoTrack = errors.New("no h264 or h265 track")

func classifyCtx(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return models.NewValidationError(models.ReasonTimeout, err)
	}

	return Classify(err)
}

// Classify maps a stream error to a validation reason.
func Classify(err error) error {
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return err
	}

	var bad liberrors.ErrClientBadStatusCode
	if errors.As(err, &bad) {
		switch bad.Code {
		case base.StatusUnauthorized, base.StatusForbidden:
			return models.NewValidationError(models.ReasonAuthRejected, err)
		case base.StatusNotFound:
			return models.NewValidationError(models.ReasonNotFound, err)
		case base.StatusUnsupportedMediaType, base.StatusUnsupportedTransport:
			return models.NewValidationError(models.ReasonUnsupportedCodec, err)
		default:
			return models.NewValidationError(models.ReasonUnreachable, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return models.NewValidationError(models.ReasonTimeout, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return models.NewValidationError(models.ReasonTimeout, err)
	}

	return models.NewValidationError(models.ReasonUnreachable, fmt.Errorf("stream: %w", err))
}

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
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/camradar/pkg/models"
)

var (
	// 352x288 at 15 fps.
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
		0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
		0x00, 0x03, 0x00, 0x3d, 0x08,
	}
	testPPS = []byte{0x68, 0xee, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
)

// cameraServer is a single-path RTSP server standing in for a camera.
type cameraServer struct {
	path   string
	server *gortsplib.Server
	stream *gortsplib.ServerStream
}

func (s *cameraServer) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if strings.Trim(ctx.Path, "/") != s.path {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}

	return &base.Response{StatusCode: base.StatusOK}, s.stream, nil
}

func (s *cameraServer) OnSetup(_ *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return &base.Response{StatusCode: base.StatusOK}, s.stream, nil
}

func (s *cameraServer) OnPlay(_ *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusOK}, nil
}

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	require.NoError(t, l.Close())

	return addr
}

// startCamera serves desc at rtsp://addr/live. When publish is set the
// server keeps writing an SPS+PPS+IDR access unit to the first media.
func startCamera(t *testing.T, desc *description.Session, publish bool) string {
	t.Helper()

	addr := freeAddr(t)
	cam := &cameraServer{path: "live"}
	cam.server = &gortsplib.Server{Handler: cam, RTSPAddress: addr}
	require.NoError(t, cam.server.Start())

	cam.stream = &gortsplib.ServerStream{Server: cam.server, Desc: desc}
	require.NoError(t, cam.stream.Initialize())

	done := make(chan struct{})

	var wg sync.WaitGroup

	t.Cleanup(func() {
		close(done)
		wg.Wait()
		cam.stream.Close()
		cam.server.Close()
	})

	if publish {
		medi := desc.Medias[0]

		enc, err := medi.Formats[0].(*format.H264).CreateEncoder()
		require.NoError(t, err)

		wg.Add(1)

		go func() {
			defer wg.Done()

			ticker := time.NewTicker(20 * time.Millisecond)
			defer ticker.Stop()

			var ts uint32

			for {
				select {
				case <-done:
					return
				case <-ticker.C:
				}

				pkts, err := enc.Encode([][]byte{testSPS, testPPS, testIDR})
				if err != nil {
					return
				}

				ts += 3000

				for _, pkt := range pkts {
					pkt.Timestamp = ts
					_ = cam.stream.WritePacketRTP(medi, pkt)
				}
			}
		}()
	}

	return "rtsp://" + addr + "/live"
}

func h264Session() *description.Session {
	return &description.Session{
		Medias: []*description.Media{{
			Type: description.MediaTypeVideo,
			Formats: []format.Format{&format.H264{
				PayloadTyp:        96,
				PacketizationMode: 1,
				SPS:               testSPS,
				PPS:               testPPS,
			}},
		}},
	}
}

func TestRTSPCheckerReadsFirstH264Frame(t *testing.T) {
	url := startCamera(t, h264Session(), true)

	checker := &RTSPChecker{Timeout: 5 * time.Second}

	info, err := checker.Check(context.Background(), models.StreamEndpoint{URL: url})
	require.NoError(t, err)
	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, 352, info.Width)
	assert.Equal(t, 288, info.Height)
	assert.InDelta(t, 15.0, info.FrameRate, 0.01)
}

func TestRTSPCheckerTimesOutWithoutFrames(t *testing.T) {
	url := startCamera(t, h264Session(), false)

	checker := &RTSPChecker{Timeout: 400 * time.Millisecond}

	start := time.Now()
	_, err := checker.Check(context.Background(), models.StreamEndpoint{URL: url})

	require.Error(t, err)
	assert.Equal(t, models.ReasonTimeout, models.ReasonOf(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRTSPCheckerRejectsVideoWithoutH26x(t *testing.T) {
	desc := &description.Session{
		Medias: []*description.Media{{
			Type:    description.MediaTypeVideo,
			Formats: []format.Format{&format.MJPEG{}},
		}},
	}

	url := startCamera(t, desc, false)

	checker := &RTSPChecker{Timeout: 2 * time.Second}

	_, err := checker.Check(context.Background(), models.StreamEndpoint{URL: url})
	require.Error(t, err)
	assert.Equal(t, models.ReasonUnsupportedCodec, models.ReasonOf(err))
}

func TestRTSPCheckerUnknownPathIsNotFound(t *testing.T) {
	url := startCamera(t, h264Session(), false)

	checker := &RTSPChecker{Timeout: 2 * time.Second}

	_, err := checker.Check(context.Background(), models.StreamEndpoint{URL: strings.TrimSuffix(url, "live") + "other"})
	require.Error(t, err)
	assert.Equal(t, models.ReasonNotFound, models.ReasonOf(err))
}

func TestRTSPCheckerClosedPortIsUnreachable(t *testing.T) {
	checker := &RTSPChecker{Timeout: 2 * time.Second}

	_, err := checker.Check(context.Background(), models.StreamEndpoint{URL: "rtsp://" + freeAddr(t) + "/live"})
	require.Error(t, err)
	assert.Equal(t, models.ReasonUnreachable, models.ReasonOf(err))
}

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
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/liberrors"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/sweeper"
)

// RTSPPorts are ports on which an RTSP OPTIONS handshake is attempted.
var RTSPPorts = []int{554, 8554, 10554}

// RTSPAdapter speaks RTSP directly: OPTIONS to detect, DESCRIBE over brand
// path templates to enumerate streams.
type RTSPAdapter struct {
	Timeout     time.Duration
	Credentials []models.Credential
	ExtraPaths  []string
	MaxTries    int
	Ports       []int
	logger      logger.Logger
}

// NewRTSPAdapter builds an adapter from prober config.
func NewRTSPAdapter(cfg Config, log logger.Logger) *RTSPAdapter {
	return &RTSPAdapter{
		Timeout:     cfg.AttemptTimeout.Std(),
		Credentials: cfg.Credentials,
		ExtraPaths:  cfg.RTSPPaths,
		MaxTries:    cfg.MaxDescribeTries,
		Ports:       RTSPPorts,
		logger:      log,
	}
}

func (*RTSPAdapter) Kind() models.ProtocolKind { return models.ProtocolRTSP }

// rtspPorts picks open RTSP ports, or the well-known ones when the
// candidate came from passive discovery without port data.
func (a *RTSPAdapter) rtspPorts(c sweeper.Candidate) []int {
	var out []int

	for _, p := range c.OpenPorts {
		if slices.Contains(a.Ports, p) {
			out = append(out, p)
		}
	}

	if len(out) == 0 && len(c.OpenPorts) == 0 {
		out = []int{554}
	}

	return out
}

func (a *RTSPAdapter) Discover(ctx context.Context, c sweeper.Candidate) (*Finding, error) {
	for _, port := range a.rtspPorts(c) {
		raw := "rtsp://" + net.JoinHostPort(c.Address.String(), strconv.Itoa(port)) + "/"

		err := withRTSPClient(ctx, raw, a.Timeout, func(client *gortsplib.Client, u *base.URL) error {
			_, err := client.Options(u)
			return err
		})
		if err == nil || isRTSPStatus(err) {
			return &Finding{
				Protocol: models.ProtocolRTSP,
				Capabilities: models.Capabilities{
					StreamProtocols: []models.ProtocolKind{models.ProtocolRTSP},
				},
				Ports: []int{port},
			}, nil
		}

		a.logger.Debug().Err(err).Str("address", c.Address.String()).Int("port", port).Msg("RTSP OPTIONS failed")
	}

	return nil, fmt.Errorf("%w: rtsp", models.ErrProbeRejected)
}

// Describe tries brand templates with each credential until DESCRIBE
// succeeds. Only the first working URL per path is kept.
func (a *RTSPAdapter) Describe(ctx context.Context, d *models.Device) ([]models.StreamEndpoint, error) {
	port := 554

	for _, p := range d.Ports {
		if slices.Contains(a.Ports, p) {
			port = p
			break
		}
	}

	host := net.JoinHostPort(d.Address, strconv.Itoa(port))
	creds := append([]models.Credential{{}}, a.Credentials...)
	tries := 0

	var lastErr error

	for _, path := range PathsFor(d.Capabilities.Brand, a.ExtraPaths) {
		for _, cred := range creds {
			if tries >= a.MaxTries {
				return nil, lastErr
			}

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			tries++
			raw := buildRTSPURL(host, path, cred)

			err := withRTSPClient(ctx, raw, a.Timeout, func(client *gortsplib.Client, u *base.URL) error {
				_, _, err := client.Describe(u)
				return err
			})
			if err == nil {
				return []models.StreamEndpoint{{
					DeviceID: d.ID,
					URL:      raw,
					Protocol: models.ProtocolRTSP,
					State:    models.ValidationPending,
				}}, nil
			}

			lastErr = err

			if statusCode(err) == base.StatusUnauthorized {
				continue
			}

			// Wrong path or no answer: other credentials will not help.
			break
		}
	}

	return nil, lastErr
}

func buildRTSPURL(host, path string, cred models.Credential) string {
	u := &url.URL{Scheme: "rtsp", Host: host}

	if cred.Username != "" {
		u.User = url.UserPassword(cred.Username, cred.Password)
	}

	p, q, _ := strings.Cut(path, "?")
	u.Path = p
	u.RawQuery = q

	return u.String()
}

// withRTSPClient runs fn against a started client and closes it when fn
// returns or ctx ends.
func withRTSPClient(ctx context.Context, raw string, timeout time.Duration,
	fn func(*gortsplib.Client, *base.URL) error) error {
	u, err := base.ParseURL(raw)
	if err != nil {
		return fmt.Errorf("parse rtsp url: %w", err)
	}

	client := &gortsplib.Client{
		Scheme:       u.Scheme,
		Host:         u.Host,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	if err := client.Start(); err != nil {
		return err
	}

	var once sync.Once

	closeClient := func() { once.Do(client.Close) }

	stop := context.AfterFunc(ctx, closeClient)
	defer stop()
	defer closeClient()

	return fn(client, u)
}

func statusCode(err error) base.StatusCode {
	var bad liberrors.ErrClientBadStatusCode
	if errors.As(err, &bad) {
		return bad.Code
	}

	return 0
}

// isRTSPStatus reports whether err carries an RTSP status line, meaning the
// peer speaks RTSP even though it refused the request.
func isRTSPStatus(err error) bool {
	return statusCode(err) != 0
}

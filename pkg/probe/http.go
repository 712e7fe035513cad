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
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/sweeper"
)

const maxFingerprintBody = 64 << 10

// HTTPPorts are web ports inspected by the fingerprint adapter.
var HTTPPorts = []int{80, 8080, 8000, 8888, 88, 443}

// HTTPAdapter is the fallback: it fingerprints a camera's web interface,
// or recognizes a camera from vendor-specific open ports alone.
type HTTPAdapter struct {
	Ports  []int
	HTTP   *http.Client
	logger logger.Logger
}

// NewHTTPAdapter builds an adapter from prober config.
func NewHTTPAdapter(cfg Config, log logger.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		Ports: HTTPPorts,
		HTTP: &http.Client{
			Timeout: cfg.AttemptTimeout.Std(),
			Transport: &http.Transport{
				// Camera web UIs ship self-signed certificates.
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // fingerprint only
				TLSHandshakeTimeout: cfg.AttemptTimeout.Std(),
			},
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		logger: log,
	}
}

func (*HTTPAdapter) Kind() models.ProtocolKind { return models.ProtocolHTTP }

func (a *HTTPAdapter) fingerprint(ctx context.Context, host string, port int) (string, error) {
	scheme := "http"
	if port == 443 {
		scheme = "https"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		scheme+"://"+net.JoinHostPort(host, strconv.Itoa(port))+"/", http.NoBody)
	if err != nil {
		return "", err
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if b := BrandFromText(resp.Header.Get("Server")); b != "" {
		return b, nil
	}

	if b := BrandFromText(resp.Header.Get("WWW-Authenticate")); b != "" {
		return b, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFingerprintBody))
	if err != nil {
		return "", err
	}

	return BrandFromText(string(body)), nil
}

func (a *HTTPAdapter) Discover(ctx context.Context, c sweeper.Candidate) (*Finding, error) {
	host := c.Address.String()

	for _, port := range c.OpenPorts {
		if !slices.Contains(a.Ports, port) {
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, a.HTTP.Timeout+time.Second)
		brand, err := a.fingerprint(reqCtx, host, port)
		cancel()

		if err != nil {
			a.logger.Debug().Err(err).Str("address", host).Int("port", port).Msg("HTTP fingerprint failed")
			continue
		}

		if brand != "" {
			return &Finding{
				Protocol:     models.ProtocolHTTP,
				Capabilities: models.Capabilities{Brand: brand},
				Ports:        []int{port},
			}, nil
		}
	}

	if brand := BrandFromPorts(c.OpenPorts); brand != "" {
		return &Finding{
			Protocol:     models.ProtocolHTTP,
			Capabilities: models.Capabilities{Brand: brand},
		}, nil
	}

	return nil, fmt.Errorf("%w: http fingerprint", models.ErrProbeRejected)
}

// Describe yields nothing: the web interface is not a stream source.
func (*HTTPAdapter) Describe(context.Context, *models.Device) ([]models.StreamEndpoint, error) {
	return nil, nil
}

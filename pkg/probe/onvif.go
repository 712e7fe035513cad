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
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/onvif"
	"github.com/carverauto/camradar/pkg/sweeper"
)

// onvifHTTPPorts are tried for the device service when no XAddr is known.
var onvifHTTPPorts = []int{80, 8000, 8080, 8899, 2020}

// UnicastProbeFunc sends a directed WS-Discovery probe.
type UnicastProbeFunc func(ctx context.Context, host string, timeout time.Duration) ([]onvif.ProbeMatch, error)

// ONVIFAdapter uses WS-Discovery and the ONVIF device and media services.
type ONVIFAdapter struct {
	Timeout      time.Duration
	Credentials  []models.Credential
	HTTP         *http.Client
	unicastProbe UnicastProbeFunc
	logger       logger.Logger
}

// NewONVIFAdapter builds an adapter from prober config.
func NewONVIFAdapter(cfg Config, log logger.Logger) *ONVIFAdapter {
	return &ONVIFAdapter{
		Timeout:      cfg.AttemptTimeout.Std(),
		Credentials:  cfg.Credentials,
		HTTP:         &http.Client{Timeout: cfg.AttemptTimeout.Std()},
		unicastProbe: onvif.ProbeUnicast,
		logger:       log,
	}
}

func (*ONVIFAdapter) Kind() models.ProtocolKind { return models.ProtocolONVIF }

// deviceServiceURLs lists device service addresses to try, announced ones first.
func (a *ONVIFAdapter) deviceServiceURLs(ctx context.Context, c sweeper.Candidate) ([]string, string) {
	host := c.Address.String()

	var urls []string

	ref := c.EndpointRef

	for _, u := range c.ServiceURLs {
		if strings.Contains(u, "onvif") {
			urls = append(urls, u)
		}
	}

	if len(urls) == 0 && a.unicastProbe != nil {
		wait := min(a.Timeout, defaultUnicastWSDTimeout)

		matches, err := a.unicastProbe(ctx, host, wait)
		if err == nil {
			for _, m := range matches {
				if x := m.XAddrFor(host); x != "" {
					urls = append(urls, x)
				}

				if ref == "" {
					ref = m.UUID()
				}
			}
		}
	}

	for _, p := range onvifHTTPPorts {
		if len(c.OpenPorts) > 0 && !slices.Contains(c.OpenPorts, p) {
			continue
		}

		u := "http://" + net.JoinHostPort(host, strconv.Itoa(p)) + "/onvif/device_service"
		if !slices.Contains(urls, u) {
			urls = append(urls, u)
		}
	}

	return urls, ref
}

// authenticate returns a client for the first credential the device accepts.
// Unauthenticated devices answer GetDeviceInformation without a token.
func (a *ONVIFAdapter) authenticate(ctx context.Context, xaddr string) (*onvif.Client, *onvif.DeviceInformation, error) {
	creds := append([]models.Credential{{}}, a.Credentials...)

	var lastErr error

	for _, cred := range creds {
		client := onvif.NewClient(cred.Username, cred.Password, a.HTTP)

		info, err := client.GetDeviceInformation(ctx, xaddr)
		if err == nil {
			return client, info, nil
		}

		lastErr = err

		if !errors.Is(err, onvif.ErrUnauthorized) {
			return nil, nil, err
		}
	}

	return nil, nil, lastErr
}

func (a *ONVIFAdapter) Discover(ctx context.Context, c sweeper.Candidate) (*Finding, error) {
	urls, ref := a.deviceServiceURLs(ctx, c)

	for _, xaddr := range urls {
		if ctx.Err() != nil {
			break
		}

		client, info, err := a.authenticate(ctx, xaddr)
		if err != nil {
			if errors.Is(err, onvif.ErrUnauthorized) && ref != "" {
				// Announced over WS-Discovery but none of our credentials work.
				return &Finding{
					Protocol:     models.ProtocolONVIF,
					Capabilities: models.Capabilities{ServiceURL: xaddr},
					Ports:        portOf(xaddr),
					Identity:     IdentityHints{EndpointRef: ref},
				}, nil
			}

			a.logger.Debug().Err(err).Str("xaddr", xaddr).Msg("ONVIF device service not answering")

			continue
		}

		caps := models.Capabilities{
			StreamProtocols: []models.ProtocolKind{models.ProtocolRTSP},
			Manufacturer:    info.Manufacturer,
			Model:           info.Model,
			Firmware:        info.FirmwareVersion,
			Brand:           BrandFromText(info.Manufacturer),
			ServiceURL:      xaddr,
		}

		if svc, err := client.GetCapabilities(ctx, xaddr); err == nil && svc.Events != "" {
			caps.Events = true
		}

		return &Finding{
			Protocol:     models.ProtocolONVIF,
			Capabilities: caps,
			Ports:        portOf(xaddr),
			Identity: IdentityHints{
				Manufacturer: info.Manufacturer,
				Serial:       info.SerialNumber,
				HardwareID:   info.HardwareID,
				EndpointRef:  ref,
			},
		}, nil
	}

	return nil, fmt.Errorf("%w: onvif", models.ErrProbeRejected)
}

// Describe resolves one RTSP URI per media profile.
func (a *ONVIFAdapter) Describe(ctx context.Context, d *models.Device) ([]models.StreamEndpoint, error) {
	xaddr := d.Capabilities.ServiceURL
	if xaddr == "" {
		return nil, fmt.Errorf("%w: no onvif service url", models.ErrProbeRejected)
	}

	client, _, err := a.authenticate(ctx, xaddr)
	if err != nil {
		return nil, err
	}

	svc, err := client.GetCapabilities(ctx, xaddr)
	if err != nil {
		return nil, err
	}

	profiles, err := client.GetProfiles(ctx, svc.Media)
	if err != nil {
		return nil, err
	}

	var endpoints []models.StreamEndpoint

	for _, p := range profiles {
		uri, err := client.GetStreamURI(ctx, svc.Media, p.Token)
		if err != nil || uri == "" {
			a.logger.Debug().Err(err).Str("profile", p.Token).Msg("No stream URI for profile")
			continue
		}

		uri = withCredentials(uri, client.Username, client.Password)

		if slices.ContainsFunc(endpoints, func(e models.StreamEndpoint) bool { return e.URL == uri }) {
			continue
		}

		endpoints = append(endpoints, models.StreamEndpoint{
			DeviceID: d.ID,
			URL:      uri,
			Protocol: models.ProtocolRTSP,
			Media: models.MediaInfo{
				Codec:  strings.ToLower(p.Encoding),
				Width:  p.Width,
				Height: p.Height,
			},
			State: models.ValidationPending,
		})
	}

	return endpoints, nil
}

func withCredentials(raw, username, password string) string {
	if username == "" {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.User != nil {
		return raw
	}

	u.User = url.UserPassword(username, password)

	return u.String()
}

func portOf(raw string) []int {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return []int{n}
		}
	}

	if u.Scheme == "https" {
		return []int{443}
	}

	return []int{80}
}

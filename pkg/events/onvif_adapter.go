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
	"net/http"
	"sync"
	"time"

	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/onvif"
)

const (
	defaultPullLimit = 100
	pullSlack        = 5 * time.Second
)

var errNoEventService = errors.New("device has no event service")

// ONVIFAdapter subscribes through ONVIF pull points.
type ONVIFAdapter struct {
	Credentials []models.Credential
	Termination time.Duration
	PullLimit   int
	HTTP        *http.Client

	mu      sync.Mutex
	clients map[models.DeviceID]*onvif.Client
}

// NewONVIFAdapter uses a client without an overall timeout since pulls
// are long polls; each call is bounded by its context instead.
func NewONVIFAdapter(creds []models.Credential, termination time.Duration) *ONVIFAdapter {
	return &ONVIFAdapter{
		Credentials: creds,
		Termination: termination,
		PullLimit:   defaultPullLimit,
		HTTP:        &http.Client{},
		clients:     make(map[models.DeviceID]*onvif.Client),
	}
}

// client finds, and remembers, credentials the device accepts.
func (a *ONVIFAdapter) client(ctx context.Context, d *models.Device) (*onvif.Client, error) {
	a.mu.Lock()
	c, ok := a.clients[d.ID]
	a.mu.Unlock()

	if ok {
		return c, nil
	}

	creds := append([]models.Credential{{}}, a.Credentials...)

	var lastErr error

	for _, cred := range creds {
		c := onvif.NewClient(cred.Username, cred.Password, a.HTTP)

		_, err := c.GetDeviceInformation(ctx, d.Capabilities.ServiceURL)
		if err == nil {
			a.mu.Lock()
			a.clients[d.ID] = c
			a.mu.Unlock()

			return c, nil
		}

		lastErr = err

		if !errors.Is(err, onvif.ErrUnauthorized) {
			break
		}
	}

	return nil, lastErr
}

func (a *ONVIFAdapter) forget(id models.DeviceID) {
	a.mu.Lock()
	delete(a.clients, id)
	a.mu.Unlock()
}

func (a *ONVIFAdapter) Subscribe(ctx context.Context, d *models.Device) (Handle, error) {
	if d.Capabilities.ServiceURL == "" {
		return Handle{}, errNoEventService
	}

	c, err := a.client(ctx, d)
	if err != nil {
		return Handle{}, err
	}

	svc, err := c.GetCapabilities(ctx, d.Capabilities.ServiceURL)
	if err != nil {
		a.forget(d.ID)
		return Handle{}, err
	}

	if svc.Events == "" {
		return Handle{}, errNoEventService
	}

	pp, err := c.CreatePullPointSubscription(ctx, svc.Events, a.Termination)
	if err != nil {
		a.forget(d.ID)
		return Handle{}, err
	}

	return Handle{Address: pp.Address, Deadline: pp.Deadline}, nil
}

func (a *ONVIFAdapter) Renew(ctx context.Context, d *models.Device, h Handle) (time.Time, error) {
	c, err := a.client(ctx, d)
	if err != nil {
		return time.Time{}, err
	}

	return c.Renew(ctx, h.Address, a.Termination)
}

func (a *ONVIFAdapter) Pull(ctx context.Context, d *models.Device, h Handle, wait time.Duration) ([]Notification, error) {
	c, err := a.client(ctx, d)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, wait+pullSlack)
	defer cancel()

	msgs, err := c.PullMessages(pctx, h.Address, wait, a.PullLimit)
	if err != nil {
		return nil, fmt.Errorf("pull messages: %w", err)
	}

	out := make([]Notification, 0, len(msgs))

	for i := range msgs {
		m := &msgs[i]

		data := make(map[string]string, len(m.Data))
		for _, item := range m.Data {
			data[item.Name] = item.Value
		}

		out = append(out, Notification{
			Topic:     m.Topic,
			Time:      m.UtcTime,
			Operation: m.PropertyOperation,
			Data:      data,
			Raw:       m.Raw,
		})
	}

	return out, nil
}

func (a *ONVIFAdapter) Unsubscribe(ctx context.Context, d *models.Device, h Handle) error {
	c, err := a.client(ctx, d)
	if err != nil {
		return err
	}

	return c.Unsubscribe(ctx, h.Address)
}

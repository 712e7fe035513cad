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

package reporting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/natsutil"
)

const (
	defaultStream        = "CAMRADAR"
	defaultSubjectPrefix = "camradar"
)

type NATSConfig struct {
	URL           string              `json:"url"`
	Stream        string              `json:"stream"`
	SubjectPrefix string              `json:"subject_prefix"`
	TLS           *natsutil.TLSConfig `json:"tls,omitempty"`
	Auth          natsutil.AuthConfig `json:"auth"`
}

func (c NATSConfig) WithDefaults() NATSConfig {
	if c.Stream == "" {
		c.Stream = defaultStream
	}

	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultSubjectPrefix
	}

	return c
}

// NATSSink publishes reports to <prefix>.<kind>.<device_id> on a JetStream
// stream. The message ID makes redelivery after a lost ack idempotent.
type NATSSink struct {
	config  NATSConfig
	agentID string
	nc      *nats.Conn
	js      jetstream.JetStream
	encode  func(Report) ([]byte, error)
}

func NewNATSSink(ctx context.Context, cfg NATSConfig, agentID string, log logger.Logger) (*NATSSink, error) {
	cfg = cfg.WithDefaults()

	auth, err := cfg.Auth.Options()
	if err != nil {
		return nil, err
	}

	nc, err := natsutil.Connect(cfg.URL, "camradar-"+agentID, cfg.TLS, log,
		append(auth, nats.RetryOnFailedConnect(true))...)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := natsutil.EnsureStream(ctx, js, cfg.Stream, cfg.SubjectPrefix+".>"); err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSSink{config: cfg, agentID: agentID, nc: nc, js: js, encode: marshalReport}, nil
}

func (*NATSSink) Name() string { return "nats" }

func (s *NATSSink) Close() error {
	s.nc.Close()
	return nil
}

// Subject is where rec is published.
func (s *NATSSink) Subject(rec models.OutboundRecord) string {
	return s.config.SubjectPrefix + "." + string(rec.Kind) + "." + string(rec.DeviceID)
}

func (s *NATSSink) Deliver(ctx context.Context, rec models.OutboundRecord) error {
	body, err := s.encode(newReport(s.agentID, rec))
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrReportingRejectedPermanent, err)
	}

	msg := nats.NewMsg(s.Subject(rec))
	msg.Data = body
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Camradar-Timestamp", rec.Timestamp.UTC().Format(time.RFC3339Nano))

	id := s.agentID + "-" + strconv.FormatUint(rec.Seq, 10)

	if _, err := s.js.PublishMsg(ctx, msg, jetstream.WithMsgID(id)); err != nil {
		if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
			return fmt.Errorf("%w: %w", models.ErrReportingRejectedPermanent, err)
		}

		return fmt.Errorf("%w: %w", models.ErrReportingUnreachable, err)
	}

	return nil
}

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

// Package natsutil connects to NATS and prepares JetStream streams.
package natsutil

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/camradar/pkg/logger"
)

// Connect dials url with reconnect logging and optional TLS.
func Connect(url, name string, tlsCfg *TLSConfig, log logger.Logger, extraOpts ...nats.Option) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if tlsCfg != nil {
		tc, err := tlsCfg.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build NATS TLS config: %w", err)
		}

		opts = append(opts, nats.Secure(tc))
	}

	opts = append(opts, extraOpts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")

	return nc, nil
}

// EnsureStream returns the named stream, creating it or extending its
// subject list so that subject is captured.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, subject string) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     name,
			Subjects: []string{subject},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", name, err)
		}

		return stream, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", name, err)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	subjects := ensureSubjectList(append([]string(nil), info.Config.Subjects...), subject)
	if len(subjects) == len(info.Config.Subjects) {
		return stream, nil
	}

	cfg := info.Config
	cfg.Subjects = subjects

	stream, err = js.UpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to add subject %s to stream %s: %w", subject, name, err)
	}

	return stream, nil
}

func ensureSubjectList(subjects []string, subject string) []string {
	for _, s := range subjects {
		if subjectMatches(s, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// subjectMatches reports whether pattern (which may use * and >) covers subject.
// A pattern ending in > covers subject when subject is at least as specific.
func subjectMatches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")

	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}

		if i >= len(s) {
			return false
		}

		if tok != "*" && tok != s[i] {
			return false
		}
	}

	return len(p) == len(s)
}

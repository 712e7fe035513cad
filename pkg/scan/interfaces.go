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

// Package scan implements rate-limited TCP reachability scanning.
package scan

import (
	"context"
	"net"

	"github.com/carverauto/camradar/pkg/models"
)

// Scanner probes targets and streams results until all are done or ctx ends.
type Scanner interface {
	Scan(ctx context.Context, targets []models.Target) (<-chan models.Result, error)
	Stop() error
}

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

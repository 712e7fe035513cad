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

//go:generate mockgen -destination=mock_reporting.go -package=reporting github.com/carverauto/camradar/pkg/reporting Sink

import (
	"context"

	"github.com/carverauto/camradar/pkg/models"
)

// Sink delivers one record to the remote management service. Errors wrap
// models.ErrReportingUnreachable (retry) or
// models.ErrReportingRejectedPermanent (discard).
type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec models.OutboundRecord) error
	Close() error
}

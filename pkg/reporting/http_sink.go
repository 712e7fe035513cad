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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carverauto/camradar/pkg/models"
)

const (
	reportPath         = "/agent-report"
	deviceTokenHeader  = "x-device-token"
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBody    = 16 << 10
)

// Report is the body of one delivery.
type Report struct {
	AgentID   string            `json:"agent_id"`
	Seq       uint64            `json:"seq"`
	DeviceID  models.DeviceID   `json:"device_id"`
	Kind      models.RecordKind `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
}

func newReport(agentID string, rec models.OutboundRecord) Report {
	payload := json.RawMessage(rec.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage("null")
	}

	return Report{
		AgentID:   agentID,
		Seq:       rec.Seq,
		DeviceID:  rec.DeviceID,
		Kind:      rec.Kind,
		Timestamp: rec.Timestamp.UTC(),
		Payload:   payload,
	}
}

// HTTPSink posts reports to {endpoint}/agent-report.
type HTTPSink struct {
	endpoint string
	token    string
	agentID  string
	client   *http.Client
}

func NewHTTPSink(endpoint, token, agentID string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &HTTPSink{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		agentID:  agentID,
		client:   &http.Client{Timeout: timeout},
	}
}

func (*HTTPSink) Name() string { return "http" }

func (*HTTPSink) Close() error { return nil }

func (s *HTTPSink) Deliver(ctx context.Context, rec models.OutboundRecord) error {
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", models.ErrReportingRejectedPermanent)
	}

	body, err := json.Marshal(newReport(s.agentID, rec))
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrReportingRejectedPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+reportPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrReportingRejectedPermanent, err)
	}

	req.Header.Set("Content-Type", "application/json")

	if s.token != "" {
		req.Header.Set(deviceTokenHeader, s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrReportingUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	return classifyResponse(resp.StatusCode, respBody)
}

// classifyResponse maps a remote answer to success, retryable or permanent.
// A JSON body {"status":"retry"|"rejected"} overrides the status code.
func classifyResponse(code int, body []byte) error {
	var verdict struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}

	_ = json.Unmarshal(body, &verdict)

	switch strings.ToLower(verdict.Status) {
	case "retry":
		return fmt.Errorf("%w: remote asked to retry (status %d)", models.ErrReportingUnreachable, code)
	case "rejected":
		return fmt.Errorf("%w: remote rejected record: %s", models.ErrReportingRejectedPermanent, verdict.Error)
	}

	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: status %d", models.ErrReportingUnreachable, code)
	default:
		return fmt.Errorf("%w: status %d", models.ErrReportingRejectedPermanent, code)
	}
}

func marshalReport(r Report) ([]byte, error) {
	return json.Marshal(r)
}

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
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carverauto/camradar/pkg/models"
)

const (
	registerPath      = "/agent-register"
	heartbeatPath     = "/agent-heartbeat"
	commandResultPath = "/agent-command-result"
)

// Command result statuses.
const (
	CommandCompleted = "completed"
	CommandFailed    = "failed"
)

var ErrRegistrationRejected = errors.New("agent registration rejected")

// AgentInfo describes the host when registering.
type AgentInfo struct {
	AgentID         string   `json:"agent_id"`
	Hostname        string   `json:"hostname"`
	LocalIP         string   `json:"local_ip"`
	OSInfo          string   `json:"os_info"`
	FFmpegInstalled bool     `json:"ffmpeg_installed"`
	NetworkRange    string   `json:"network_range"`
	Subnets         []string `json:"subnets,omitempty"`
}

// Registration is the remote's answer to AgentInfo.
type Registration struct {
	Success   bool   `json:"success"`
	AgentID   string `json:"agent_id"`
	ClientID  string `json:"client_id"`
	AgentName string `json:"agent_name"`
	Error     string `json:"error,omitempty"`
}

// StreamStatus is one relayed camera stream as seen by the agent.
type StreamStatus struct {
	StreamKey    string `json:"stream_key"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type Heartbeat struct {
	ClientID       string         `json:"client_id"`
	ActiveStreams  int            `json:"active_streams"`
	CameraStatuses []StreamStatus `json:"camera_statuses"`
}

// Command is work queued for the agent by the remote.
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"command_type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CommandResult struct {
	CommandID    string `json:"command_id"`
	Status       string `json:"status"`
	Result       any    `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ControlClient talks to the remote's agent control endpoints, next to the
// report endpoint and with the same device token.
type ControlClient struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewControlClient(endpoint, token string, timeout time.Duration) *ControlClient {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &ControlClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *ControlClient) Register(ctx context.Context, info AgentInfo) (Registration, error) {
	var reg Registration

	if err := c.post(ctx, registerPath, info, &reg); err != nil {
		return reg, err
	}

	if !reg.Success {
		return reg, fmt.Errorf("%w: %w: %s", models.ErrReportingRejectedPermanent, ErrRegistrationRejected, reg.Error)
	}

	return reg, nil
}

// Heartbeat reports stream state and returns the commands waiting for this agent.
func (c *ControlClient) Heartbeat(ctx context.Context, hb Heartbeat) ([]Command, error) {
	var resp struct {
		PendingCommands []Command `json:"pending_commands"`
	}

	if err := c.post(ctx, heartbeatPath, hb, &resp); err != nil {
		return nil, err
	}

	return resp.PendingCommands, nil
}

func (c *ControlClient) SendResult(ctx context.Context, res CommandResult) error {
	return c.post(ctx, commandResultPath, res, nil)
}

func (c *ControlClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrReportingRejectedPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrReportingRejectedPermanent, err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.token != "" {
		req.Header.Set(deviceTokenHeader, c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrReportingUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if err := classifyResponse(resp.StatusCode, respBody); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %s: %w", models.ErrReportingRejectedPermanent, path, err)
	}

	return nil
}

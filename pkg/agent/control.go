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

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
	"github.com/carverauto/camradar/pkg/reporting"
	"github.com/carverauto/camradar/pkg/scan"
)

// Remote command types.
const (
	CommandStartStream = "start_stream"
	CommandStopStream  = "stop_stream"
	CommandTestRTSP    = "test_rtsp"
	CommandScanNetwork = "scan_network"
	CommandGetStatus   = "get_status"
)

// Relay states reported in heartbeats.
const (
	RelayRunning = "running"
	RelayError   = "error"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultRelayURL          = "rtmp://localhost/live"
	defaultMaxRelays         = 8
	testRTSPTimeout          = 15 * time.Second
)

var (
	errControlNeedsHTTP = errors.New("control requires the http reporting sink with an endpoint")
	errUnknownCommand   = errors.New("unknown command")
	errMissingField     = errors.New("missing required field")
	errRelayExists      = errors.New("stream already running")
	errRelayNotFound    = errors.New("stream not found")
	errRelayLimit       = errors.New("relay limit reached")
	errFFmpegMissing    = errors.New("ffmpeg not available")
	errNoServableStream = errors.New("device has no valid stream")
	errValidationBusy   = errors.New("validation of this url already running")
)

// ControlConfig enables the remote command channel. It shares the reporting
// endpoint and device token.
type ControlConfig struct {
	Enabled           bool            `json:"enabled"`
	HeartbeatInterval models.Duration `json:"heartbeat_interval"`
	// RelayURL is the RTMP base that stream keys are appended to.
	RelayURL  string `json:"relay_url"`
	MaxRelays int    `json:"max_relays"`
}

func (c ControlConfig) WithDefaults() ControlConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = models.Duration(defaultHeartbeatInterval)
	}

	if c.RelayURL == "" {
		c.RelayURL = defaultRelayURL
	}

	if c.MaxRelays <= 0 {
		c.MaxRelays = defaultMaxRelays
	}

	return c
}

// RelayStream is a running RTSP to RTMP relay.
type RelayStream interface {
	Done() <-chan struct{}
	Stop() error
	Err() error
}

// RelayStarter pushes sourceURL to targetURL until ctx ends.
type RelayStarter func(ctx context.Context, sourceURL, targetURL string) (RelayStream, error)

type relay struct {
	key       string
	name      string
	source    string
	stream    RelayStream
	cancel    context.CancelFunc
	startedAt time.Time
	err       error
}

// RelayInfo describes one relay in get_status results.
type RelayInfo struct {
	StreamKey  string    `json:"stream_key"`
	CameraName string    `json:"camera_name,omitempty"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	Error      string    `json:"error,omitempty"`
}

type startStreamPayload struct {
	StreamKey  string `json:"stream_key"`
	RTSPURL    string `json:"rtsp_url"`
	CameraName string `json:"camera_name"`
	DeviceID   string `json:"device_id"`
}

type stopStreamPayload struct {
	StreamKey string `json:"stream_key"`
}

type testRTSPPayload struct {
	RTSPURL string `json:"rtsp_url"`
}

// TestResult answers test_rtsp.
type TestResult struct {
	Success        bool                    `json:"success"`
	ResponseTimeMS int64                   `json:"response_time_ms"`
	RequiresAuth   bool                    `json:"requires_auth"`
	Codec          string                  `json:"codec,omitempty"`
	Width          int                     `json:"width,omitempty"`
	Height         int                     `json:"height,omitempty"`
	FrameRate      float64                 `json:"frame_rate,omitempty"`
	Reason         models.ValidationReason `json:"reason,omitempty"`
}

// controller registers with the remote, heartbeats, and executes the
// commands returned by each heartbeat one at a time.
type controller struct {
	agent  *Agent
	client *reporting.ControlClient
	config ControlConfig
	relays RelayStarter
	logger logger.Logger

	mu       sync.Mutex
	clientID string
	active   map[string]*relay
}

func newController(a *Agent, relays RelayStarter, log logger.Logger) *controller {
	rc := a.config.Reporting

	return &controller{
		agent:  a,
		client: reporting.NewControlClient(rc.Endpoint, rc.DeviceToken, rc.Timeout.Std()),
		config: a.config.Control,
		relays: relays,
		logger: log,
		active: make(map[string]*relay),
	}
}

// Run registers and then heartbeats until ctx ends. A failed registration
// returns so the supervisor retries it with backoff.
func (c *controller) Run(ctx context.Context) error {
	defer c.stopAll()

	reg, err := c.client.Register(ctx, c.agentInfo(ctx))
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	c.mu.Lock()
	c.clientID = reg.ClientID
	c.mu.Unlock()

	c.logger.Info().Str("agent_id", reg.AgentID).Str("client_id", reg.ClientID).
		Str("agent_name", reg.AgentName).Msg("Registered with remote")

	ticker := time.NewTicker(c.config.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		c.beat(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *controller) beat(ctx context.Context) {
	cmds, err := c.client.Heartbeat(ctx, c.heartbeat())
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("Heartbeat failed")
		}

		return
	}

	for _, cmd := range cmds {
		if ctx.Err() != nil {
			return
		}

		res := c.execute(ctx, cmd)

		if err := c.client.SendResult(ctx, res); err != nil {
			c.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("Failed to send command result")
		}
	}
}

func (c *controller) heartbeat() reporting.Heartbeat {
	infos := c.relayInfos()

	hb := reporting.Heartbeat{CameraStatuses: make([]reporting.StreamStatus, 0, len(infos))}

	c.mu.Lock()
	hb.ClientID = c.clientID
	c.mu.Unlock()

	for _, r := range infos {
		if r.Status == RelayRunning {
			hb.ActiveStreams++
		}

		hb.CameraStatuses = append(hb.CameraStatuses, reporting.StreamStatus{
			StreamKey:    r.StreamKey,
			Status:       r.Status,
			ErrorMessage: r.Error,
		})
	}

	return hb
}

// execute runs one command. Failures become a failed result, never an error.
func (c *controller) execute(ctx context.Context, cmd reporting.Command) (res reporting.CommandResult) {
	res.CommandID = cmd.ID

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("command", cmd.Type).Interface("panic", r).Msg("Command panicked")
			res.Status = reporting.CommandFailed
			res.Result = nil
			res.ErrorMessage = fmt.Sprint(r)
		}
	}()

	c.logger.Info().Str("command_id", cmd.ID).Str("command", cmd.Type).Msg("Executing remote command")

	var (
		out any
		err error
	)

	switch cmd.Type {
	case CommandStartStream:
		out, err = c.startStream(ctx, cmd.Payload)
	case CommandStopStream:
		out, err = c.stopStream(cmd.Payload)
	case CommandTestRTSP:
		out, err = c.testRTSP(ctx, cmd.Payload)
	case CommandScanNetwork:
		out, err = c.scanNetwork()
	case CommandGetStatus:
		out = c.status(ctx)
	default:
		err = fmt.Errorf("%w: %q", errUnknownCommand, cmd.Type)
	}

	if err != nil {
		c.logger.Warn().Err(err).Str("command_id", cmd.ID).Str("command", cmd.Type).Msg("Remote command failed")

		res.Status = reporting.CommandFailed
		res.ErrorMessage = err.Error()

		return res
	}

	res.Status = reporting.CommandCompleted
	res.Result = out

	return res
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	return nil
}

func (c *controller) startStream(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var p startStreamPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	if p.StreamKey == "" {
		return nil, fmt.Errorf("%w: stream_key", errMissingField)
	}

	source := p.RTSPURL
	if source == "" {
		if p.DeviceID == "" {
			return nil, fmt.Errorf("%w: rtsp_url or device_id", errMissingField)
		}

		url, err := c.deviceStream(models.DeviceID(p.DeviceID))
		if err != nil {
			return nil, err
		}

		source = url
	}

	if c.relays == nil {
		return nil, errFFmpegMissing
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.active[p.StreamKey]; ok {
		if r.err == nil {
			return nil, fmt.Errorf("%w: %s", errRelayExists, p.StreamKey)
		}

		delete(c.active, p.StreamKey)
	}

	if len(c.active) >= c.config.MaxRelays {
		return nil, fmt.Errorf("%w (%d)", errRelayLimit, c.config.MaxRelays)
	}

	target := strings.TrimRight(c.config.RelayURL, "/") + "/" + p.StreamKey

	rctx, cancel := context.WithCancel(ctx)

	stream, err := c.relays(rctx, source, target)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start relay: %w", err)
	}

	r := &relay{
		key:       p.StreamKey,
		name:      p.CameraName,
		source:    source,
		stream:    stream,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	c.active[r.key] = r

	go c.watchRelay(r)

	c.logger.Info().Str("stream_key", r.key).Str("target", target).Msg("Relay started")

	return map[string]any{"success": true, "stream_key": r.key}, nil
}

// watchRelay marks r as failed if it exits while still registered.
func (c *controller) watchRelay(r *relay) {
	<-r.stream.Done()

	err := r.stream.Err()
	if err == nil {
		err = errExitedEarly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active[r.key] != r {
		return
	}

	r.err = err

	c.logger.Warn().Err(err).Str("stream_key", r.key).Msg("Relay exited")
}

// deviceStream picks the first valid endpoint of id.
func (c *controller) deviceStream(id models.DeviceID) (string, error) {
	snap := c.agent.registry.Snapshot()

	if _, ok := snap.Device(id); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	for _, ep := range snap.DeviceEndpoints(id, time.Now()) {
		if ep.Protocol == models.ProtocolRTSP && ep.State == models.ValidationValid {
			return ep.URL, nil
		}
	}

	return "", fmt.Errorf("%w: %s", errNoServableStream, id)
}

func (c *controller) stopStream(raw json.RawMessage) (map[string]any, error) {
	var p stopStreamPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	if p.StreamKey == "" {
		return nil, fmt.Errorf("%w: stream_key", errMissingField)
	}

	c.mu.Lock()
	r, ok := c.active[p.StreamKey]
	delete(c.active, p.StreamKey)
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", errRelayNotFound, p.StreamKey)
	}

	stopRelay(r)

	c.logger.Info().Str("stream_key", r.key).Msg("Relay stopped")

	return map[string]any{"success": true, "stream_key": r.key}, nil
}

func stopRelay(r *relay) {
	r.cancel()
	_ = r.stream.Stop()
}

func (c *controller) stopAll() {
	c.mu.Lock()
	relays := c.active
	c.active = make(map[string]*relay)
	c.mu.Unlock()

	for _, r := range relays {
		stopRelay(r)
	}
}

// testRTSP validates url on demand. A URL the registry knows keeps its
// device and the verdict is recorded like any other validation.
func (c *controller) testRTSP(ctx context.Context, raw json.RawMessage) (TestResult, error) {
	var p testRTSPPayload
	if err := decodePayload(raw, &p); err != nil {
		return TestResult{}, err
	}

	if p.RTSPURL == "" {
		return TestResult{}, fmt.Errorf("%w: rtsp_url", errMissingField)
	}

	ep := models.StreamEndpoint{URL: p.RTSPURL, Protocol: models.ProtocolRTSP}

	for _, known := range c.agent.registry.Snapshot().Endpoints(time.Now()) {
		if known.URL == p.RTSPURL {
			ep = known
			break
		}
	}

	ctx, cancel := context.WithTimeout(ctx, testRTSPTimeout)
	defer cancel()

	started := time.Now()

	out, ok := c.agent.validator.Validate(ctx, ep)
	if !ok {
		return TestResult{}, errValidationBusy
	}

	if out.DeviceID != "" {
		c.agent.recordValidation(out)
	}

	return TestResult{
		Success:        out.State == models.ValidationValid,
		ResponseTimeMS: time.Since(started).Milliseconds(),
		RequiresAuth:   out.Reason == models.ReasonAuthRejected,
		Codec:          out.Media.Codec,
		Width:          out.Media.Width,
		Height:         out.Media.Height,
		FrameRate:      out.Media.FrameRate,
		Reason:         out.Reason,
	}, nil
}

func (c *controller) scanNetwork() (map[string]any, error) {
	queued := c.agent.Rescan()

	return map[string]any{
		"success":       true,
		"queued":        queued,
		"network_range": c.networkRange(),
		"devices":       c.agent.registry.Snapshot().Len(),
	}, nil
}

func (c *controller) status(ctx context.Context) map[string]any {
	info := c.agentInfo(ctx)
	relays := c.relayInfos()

	active := 0

	for _, r := range relays {
		if r.Status == RelayRunning {
			active++
		}
	}

	return map[string]any{
		"hostname":         info.Hostname,
		"local_ip":         info.LocalIP,
		"os_info":          info.OSInfo,
		"ffmpeg_available": info.FFmpegInstalled,
		"active_streams":   active,
		"streams":          relays,
		"health":           c.agent.HealthReport(),
	}
}

func (c *controller) relayInfos() []RelayInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]RelayInfo, 0, len(c.active))

	for _, r := range c.active {
		ri := RelayInfo{
			StreamKey:  r.key,
			CameraName: r.name,
			Status:     RelayRunning,
			StartedAt:  r.startedAt,
		}

		if r.err != nil {
			ri.Status = RelayError
			ri.Error = r.err.Error()
		}

		out = append(out, ri)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })

	return out
}

func (c *controller) agentInfo(ctx context.Context) reporting.AgentInfo {
	info := reporting.AgentInfo{
		AgentID:         c.agent.config.AgentID,
		LocalIP:         localIP(),
		FFmpegInstalled: c.relays != nil,
		NetworkRange:    c.networkRange(),
		Subnets:         c.agent.config.Sweep.Subnets,
	}

	info.Hostname, _ = os.Hostname()

	if hi, err := host.InfoWithContext(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("host.InfoWithContext failed")
	} else {
		info.OSInfo = strings.TrimSpace(fmt.Sprintf("%s %s %s", hi.OS, hi.Platform, hi.PlatformVersion))
	}

	return info
}

// networkRange is the first configured subnet, or the first local one.
func (c *controller) networkRange() string {
	if subnets := c.agent.config.Sweep.Subnets; len(subnets) > 0 {
		return subnets[0]
	}

	local, err := scan.LocalSubnets()
	if err != nil || len(local) == 0 {
		return ""
	}

	return local[0].String()
}

func localIP() string {
	addrs, err := scan.InterfaceAddrs()
	if err != nil {
		return ""
	}

	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		if ip := ipnet.IP.To4(); ip != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return ip.String()
		}
	}

	return ""
}

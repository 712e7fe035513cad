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

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	httpx "github.com/carverauto/camradar/pkg/http"
	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

const (
	defaultListen       = "127.0.0.1:8787"
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	shutdownTimeout     = 5 * time.Second

	// ServiceType is the DNS-SD service the bridge advertises.
	ServiceType = "_camradar._tcp"
)

var errUnknownCommand = errors.New("unknown command")

type Config struct {
	Listen       string           `json:"listen"`
	QueueSize    int              `json:"queue_size"`
	WriteTimeout models.Duration  `json:"write_timeout"`
	PingInterval models.Duration  `json:"ping_interval"`
	CORS         httpx.CORSConfig `json:"cors"`
	APIKey       string           `json:"api_key"`
	Advertise    bool             `json:"advertise"`
	InstanceName string           `json:"instance_name"`
}

func (c Config) WithDefaults() Config {
	if c.Listen == "" {
		c.Listen = defaultListen
	}

	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = models.Duration(defaultWriteTimeout)
	}

	if c.PingInterval <= 0 {
		c.PingInterval = models.Duration(defaultPingInterval)
	}

	if c.InstanceName == "" {
		c.InstanceName = "camradar"
	}

	return c
}

// InventoryFunc returns the served inventory at now.
type InventoryFunc func(now time.Time) models.Inventory

// HealthReport is rendered by GET /healthz.
type HealthReport interface {
	Healthy() bool
}

// Controller carries out viewer commands.
type Controller interface {
	Rescan() bool
	Revalidate(id models.DeviceID) error
	HealthReport() HealthReport
}

// Server is the local bridge. Publish calls never block on viewers.
type Server struct {
	config    Config
	agentID   string
	inventory InventoryFunc
	control   Controller
	logger    logger.Logger
	upgrader  websocket.Upgrader
	now       func() time.Time

	mu          sync.Mutex
	seq         uint64
	nextViewer  uint64
	viewers     map[string]*viewer
	onDelivered func(models.DeviceID)

	addrMu    sync.Mutex
	addr      net.Addr
	ready     chan struct{}
	readyOnce sync.Once
}

func New(cfg Config, agentID string, inventory InventoryFunc, control Controller, log logger.Logger) *Server {
	cfg = cfg.WithDefaults()

	s := &Server{
		config:    cfg,
		agentID:   agentID,
		inventory: inventory,
		control:   control,
		logger:    log,
		now:       time.Now,
		viewers:   make(map[string]*viewer),
		ready:     make(chan struct{}),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 << 10,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.CORS.OriginAllowed(r.Header.Get("Origin"))
		},
	}

	return s
}

// Handler returns the bridge's HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("GET /inventory", s.handleInventory)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	auth := httpx.APIKeyMiddlewareWithOptions(httpx.APIKeyOptions{
		APIKey:          s.config.APIKey,
		ExcludePaths:    []string{"/healthz"},
		LogUnauthorized: true,
		Logger:          s.logger,
	})

	return httpx.CommonMiddleware(auth(mux), s.config.CORS, s.logger)
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", s.config.Listen, err)
	}

	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if s.config.Advertise {
		if zc := s.advertise(ln.Addr()); zc != nil {
			defer zc.Shutdown()
		}
	}

	go func() {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(sctx); err != nil {
			s.logger.Warn().Err(err).Msg("Bridge shutdown")
		}

		s.closeAll()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Bridge server listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge serve: %w", err)
	}

	return nil
}

func (s *Server) advertise(addr net.Addr) *zeroconf.Server {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil
	}

	txt := []string{"path=/ws", "version=" + strconv.Itoa(protocolVersion), "agent_id=" + s.agentID}

	zc, err := zeroconf.Register(s.config.InstanceName, ServiceType, "local.", tcp.Port, txt, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("mDNS advertisement failed")
		return nil
	}

	s.logger.Info().Str("service", ServiceType).Int("port", tcp.Port).Msg("Advertising bridge over mDNS")

	return zc
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound listen address; nil before Ready.
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()

	return s.addr
}

func (s *Server) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.viewers)
}

func (s *Server) setDeliveryHook(fn func(models.DeviceID)) {
	s.mu.Lock()
	s.onDelivered = fn
	s.mu.Unlock()
}

func (s *Server) delivered(id models.DeviceID) {
	s.mu.Lock()
	fn := s.onDelivered
	s.mu.Unlock()

	if fn != nil {
		fn(id)
	}
}

// PublishDelta fans an inventory change out to every viewer.
func (s *Server) PublishDelta(d models.InventoryDelta) {
	s.broadcast(Message{Type: MsgInventoryDelta, Delta: &d}, outbound{deviceID: d.DeviceID})
}

// PublishEvent fans a normalized event out to every viewer.
func (s *Server) PublishEvent(ev models.NormalizedEvent) {
	view := ev.View()
	s.broadcast(Message{Type: MsgEvent, Event: &view}, outbound{deviceID: ev.DeviceID()})
}

// PublishFrame fans a preview frame out; it is the only droppable message.
func (s *Server) PublishFrame(f PreviewFrame) {
	s.broadcast(Message{Type: MsgPreviewFrame, Frame: &f}, outbound{deviceID: f.DeviceID, preview: true})
}

func (s *Server) broadcast(msg Message, item outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.viewers) == 0 {
		return
	}

	s.seq++
	msg.Seq = s.seq

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to encode bridge message")
		return
	}

	item.data = data

	for id, v := range s.viewers {
		if !v.queue.push(item) {
			s.dropViewerLocked(id, v)
		}
	}
}

// reply queues msg for one viewer.
func (s *Server) reply(v *viewer, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendLocked(v, msg)
}

func (s *Server) sendLocked(v *viewer, msg Message) {
	s.seq++
	msg.Seq = s.seq

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to encode bridge message")
		return
	}

	if !v.queue.push(outbound{data: data}) {
		s.dropViewerLocked(v.id, v)
	}
}

func (s *Server) dropViewerLocked(id string, v *viewer) {
	queued, dropped := v.queue.stats()

	s.logger.Warn().
		Str("viewer_id", id).
		Str("remote_addr", v.remote).
		Int("queued", queued).
		Int("dropped_frames", dropped).
		Msg("Viewer too slow, disconnecting")

	delete(s.viewers, id)
	v.close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, v := range s.viewers {
		delete(s.viewers, id)
		v.close()
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to WebSocket")
		return
	}

	s.mu.Lock()
	s.nextViewer++
	id := "viewer-" + strconv.FormatUint(s.nextViewer, 10)

	v := &viewer{
		id:     id,
		remote: r.RemoteAddr,
		conn:   conn,
		queue:  newViewerQueue(s.config.QueueSize),
		logger: logger.Wrap(s.logger.With().Str("viewer_id", id).Logger()),
		done:   make(chan struct{}),
	}

	// Registering and queueing the snapshot under one lock means every
	// later broadcast lands after the snapshot.
	s.viewers[id] = v
	s.sendLocked(v, Message{Type: MsgBridgeInfo, Info: &Info{AgentID: s.agentID, ViewerID: id, Version: protocolVersion}})

	inv := s.inventory(s.now())
	s.sendLocked(v, Message{Type: MsgInventorySnapshot, Inventory: &inv})
	s.mu.Unlock()

	s.logger.Info().Str("viewer_id", id).Str("remote_addr", r.RemoteAddr).Msg("Viewer connected")

	go v.writePump(s)
	v.readPump(r.Context(), s)

	s.mu.Lock()
	if s.viewers[id] == v {
		delete(s.viewers, id)
	}
	s.mu.Unlock()

	s.logger.Info().Str("viewer_id", id).Msg("Viewer disconnected")
}

func (s *Server) handleCommand(_ context.Context, v *viewer, cmd Command) {
	reply := Message{Type: MsgAck, RequestID: cmd.RequestID}

	switch cmd.Type {
	case CmdPing:
		reply.Type = MsgPong
	case CmdGetInventory:
		inv := s.inventory(s.now())
		reply.Type = MsgInventorySnapshot
		reply.Inventory = &inv
	case CmdRescan:
		if s.control == nil || !s.control.Rescan() {
			reply.Type = MsgError
			reply.Error = "rescan already pending"
		}
	case CmdValidate:
		if s.control == nil {
			reply.Type = MsgError
			reply.Error = "validation unavailable"

			break
		}

		if err := s.control.Revalidate(cmd.DeviceID); err != nil {
			reply.Type = MsgError
			reply.Error = err.Error()
		}
	default:
		reply.Type = MsgError
		reply.Error = fmt.Sprintf("%v: %q", errUnknownCommand, cmd.Type)
	}

	s.reply(v, reply)
}

func (s *Server) handleInventory(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(s.inventory(s.now())); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write inventory")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.control == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	report := s.control.HealthReport()

	w.Header().Set("Content-Type", "application/json")

	if !report.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write health report")
	}
}

// Package gateway is the concrete C7 implementation: the websocket upgrade
// endpoint, the two read-only REST endpoints, and the privileged broadcast
// endpoint, wired over chi the way the pack's REST façades do
// (Resinat-Resin, ashureev-shsh-labs), with gorilla/websocket as the
// transport the way Oguri-Dev-omniapi-iot-platform and
// TeeDiddyDizzle-chainlink pair the two.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/driftline/presencehub"
	"github.com/driftline/presencehub/internal/metrics"
	"github.com/driftline/presencehub/internal/registry"
	"github.com/driftline/presencehub/internal/router"
	"github.com/driftline/presencehub/internal/scheduler"
)

// sweepInterval is fixed and independent of the configured heartbeat
// timeout (§4.2): "the sweep runs on a fixed 60-second cadence".
const sweepInterval = 60 * time.Second

// Config holds gateway-level tunables not already owned by a narrower
// component.
type Config struct {
	SupportedTypes        []presencehub.MessageType
	HeartbeatInterval     time.Duration
	HeartbeatTimeoutMs    int64
	MaxReconnectAttempts  int
	BroadcastSharedSecret string
}

// Gateway wires the Registry, Router, and Scheduler to HTTP.
type Gateway struct {
	cfg       Config
	registry  *registry.Registry
	router    *router.Router
	scheduler *scheduler.Scheduler
	metricsC  *metrics.Collectors
	promReg   *prometheus.Registry
	logger    zerolog.Logger
	upgrader  websocket.Upgrader

	stopSweep chan struct{}
}

// New creates a Gateway over an already-registered metrics.Collectors (the
// same instance the scheduler was wired with, so /metrics reflects the
// counters the scheduler increments). Call Routes to obtain its http.Handler
// and Run to start background tickers (sweep, metrics sampling).
func New(cfg Config, reg *registry.Registry, rt *router.Router, sched *scheduler.Scheduler, metricsC *metrics.Collectors, promReg *prometheus.Registry, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:       cfg,
		registry:  reg,
		router:    rt,
		scheduler: sched,
		metricsC:  metricsC,
		promReg:   promReg,
		logger:    logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		stopSweep: make(chan struct{}),
	}
}

// Routes builds the gateway's http.Handler: the ws upgrade endpoint plus the
// REST façade (§4.7, §6).
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", g.serveWS)
	r.Get("/stats", g.handleStats)
	r.Get("/queue", g.handleQueueStats)
	r.Post("/broadcast", g.handleBroadcast)
	r.Handle("/metrics", promhttp.HandlerFor(g.promReg, promhttp.HandlerOpts{}))
	return r
}

// Run starts the sweep and metrics-sampling tickers; blocks until Stop.
func (g *Gateway) Run() {
	sweepTicker := time.NewTicker(sweepInterval)
	metricsTicker := time.NewTicker(5 * time.Second)
	defer sweepTicker.Stop()
	defer metricsTicker.Stop()

	for {
		select {
		case <-g.stopSweep:
			return
		case <-sweepTicker.C:
			closed := g.registry.SweepTimedOut(g.cfg.HeartbeatTimeoutMs)
			if len(closed) > 0 {
				g.logger.Info().Int("count", len(closed)).Msg("heartbeat sweep closed stale connections")
			}
		case <-metricsTicker.C:
			g.metricsC.Sample(registryAdapter{g.registry}, schedulerAdapter{g.scheduler})
		}
	}
}

// Stop ends the gateway's background tickers.
func (g *Gateway) Stop() {
	close(g.stopSweep)
}

type registryAdapter struct{ r *registry.Registry }

func (a registryAdapter) Stats() (int, int, float64) {
	s := a.r.Stats()
	return s.Total, s.UniqueIdentities, s.AverageSubscriptions
}

type schedulerAdapter struct{ s *scheduler.Scheduler }

func (a schedulerAdapter) QueueStats() (int, bool) {
	s := a.s.Stats()
	return s.Length, s.IsProcessing
}

// wsTransport adapts *websocket.Conn to registry.Transport, serializing
// writes the way a single socket owner must (gorilla/websocket forbids
// concurrent writers on one connection).
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return t.conn.Close()
}

// socketWriter implements both scheduler.Writer and router.Replier: every
// outbound frame to a live connection's socket goes through this one path
// (§5 "sockets ... only written by the Scheduler during drain or by the
// Router for replies").
type socketWriter struct {
	registry *registry.Registry
}

func (w socketWriter) WriteTo(conn *registry.Connection, raw []byte) error {
	return conn.Transport.WriteMessage(raw)
}

func (w socketWriter) Reply(connID string, env presencehub.Envelope) error {
	conn, ok := w.registry.Lookup(connID)
	if !ok {
		return nil
	}
	raw, err := presencehub.Encode(env)
	if err != nil {
		return err
	}
	return conn.Transport.WriteMessage(raw)
}

// NewSocketWriter exposes socketWriter for wiring in cmd/presencehubd.
func NewSocketWriter(reg *registry.Registry) interface {
	WriteTo(conn *registry.Connection, raw []byte) error
	Reply(connID string, env presencehub.Envelope) error
} {
	return socketWriter{registry: reg}
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		identity = r.RemoteAddr
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	transport := &wsTransport{conn: conn}

	session, err := g.registry.Register(transport, identity)
	if err != nil {
		g.logger.Info().Str("identity", identity).Err(err).Msg("connection rejected")
		_ = transport.Close(1008, err.Error())
		return
	}

	g.sendConnectedFrame(session.ID, transport)
	g.readLoop(r.Context(), session.ID, transport)
}

func (g *Gateway) sendConnectedFrame(connID string, transport *wsTransport) {
	types := make([]string, len(g.cfg.SupportedTypes))
	for i, t := range g.cfg.SupportedTypes {
		types[i] = string(t)
	}
	env := presencehub.Envelope{
		ID:        presencehub.NewID(),
		Type:      presencehub.MessageTypeAll,
		Timestamp: time.Now().UnixMilli(),
		Direction: presencehub.DirectionServerToClient,
		Event:     presencehub.EventConnected,
		Data: map[string]interface{}{
			"connectionId":         connID,
			"serverTime":           time.Now().UnixMilli(),
			"supportedTypes":       types,
			"heartbeatInterval":    g.cfg.HeartbeatInterval.Milliseconds(),
			"maxReconnectAttempts": g.cfg.MaxReconnectAttempts,
		},
	}
	raw, err := presencehub.Encode(env)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to encode connected frame")
		return
	}
	if err := transport.WriteMessage(raw); err != nil {
		g.logger.Warn().Err(err).Str("conn_id", connID).Msg("failed to send connected frame")
	}
}

func (g *Gateway) readLoop(ctx context.Context, connID string, transport *wsTransport) {
	defer g.registry.Unregister(connID)
	for {
		_, raw, err := transport.conn.ReadMessage()
		if err != nil {
			return
		}
		g.router.HandleRaw(ctx, connID, raw)
	}
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.registry.Stats())
}

func (g *Gateway) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.scheduler.Stats())
}

type broadcastRequest struct {
	Type     presencehub.MessageType `json:"type"`
	Event    presencehub.ServerEvent `json:"event"`
	Data     map[string]interface{} `json:"data"`
	Priority string                  `json:"priority"`
}

// handleBroadcast is the privileged endpoint from §4.7/§6: a shared-secret
// bearer token gates it, per the Non-goal that caps auth at a single shared
// secret for the REST write path.
func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if g.cfg.BroadcastSharedSecret == "" || r.Header.Get("Authorization") != "Bearer "+g.cfg.BroadcastSharedSecret {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(presencehub.ErrorData(presencehub.ErrUnauthorized, "missing or invalid bearer token"))
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	priority := parsePriority(req.Priority)
	accepted := g.scheduler.Broadcast(req.Type, req.Event, req.Data, priority)
	writeJSON(w, map[string]interface{}{"accepted": accepted})
}

func parsePriority(s string) presencehub.Priority {
	switch s {
	case "high":
		return presencehub.PriorityHigh
	case "low":
		return presencehub.PriorityLow
	default:
		return presencehub.PriorityNormal
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

package presencehub

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the client's connection lifecycle (§4.6).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ClientConfig configures a Client's connection and reconnect policy.
// Every optional field follows the teacher's "zero value means default"
// convention.
type ClientConfig struct {
	URL     string
	Header  http.Header
	Options *DialOptions

	HeartbeatInterval     time.Duration // default 30s
	HeartbeatTimeout      time.Duration // default 60s
	InitialReconnectDelay time.Duration // default 3s
	MaxReconnectDelay     time.Duration // default 30s
	ReconnectMultiplier   float64       // default 1.5
	MaxReconnectAttempts  int           // default 5
	Jitter                bool          // default false
	OfflineQueueSize      int           // default 256, drop-oldest when full
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.InitialReconnectDelay <= 0 {
		c.InitialReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ReconnectMultiplier <= 0 {
		c.ReconnectMultiplier = 1.5
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.OfflineQueueSize <= 0 {
		c.OfflineQueueSize = 256
	}
	return c
}

// DataCallback receives every non-error application frame.
type DataCallback func(Envelope)

// ErrorCallback receives terminal failures and server-pushed error frames.
// An error frame surfaced here MUST NOT by itself trigger a reconnect
// (§4.6).
type ErrorCallback func(error)

// Client is the presence-hub session Mirror: it owns exactly one logical
// session over a transport that may churn, with exponential-backoff
// reconnect, offline enqueue, heartbeat supervision, and deterministic
// resubscription. It is the generalized descendant of the teacher's
// gRPC streaming Client (streamLoop/connectAndStream/handleStream),
// retargeted from a one-way data feed to a bidirectional JSON session.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn

	subscriptions map[MessageType]struct{}

	writeMu      sync.Mutex
	offlineQueue [][]byte

	lastPongAt time.Time

	dataCallback  DataCallback
	errorCallback ErrorCallback

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a Client in the disconnected state.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	return &Client{
		cfg:           cfg.withDefaults(),
		logger:        logger.With().Str("component", "presencehub-client").Logger(),
		state:         StateDisconnected,
		subscriptions: make(map[MessageType]struct{}),
	}
}

// OnData sets the application data callback. Must be called before Connect.
func (c *Client) OnData(cb DataCallback) { c.dataCallback = cb }

// OnError sets the error callback. Must be called before Connect.
func (c *Client) OnError(cb ErrorCallback) { c.errorCallback = cb }

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect starts the session. It is idempotent while connected or
// connecting (§4.6).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.runLoop(runCtx)
	return nil
}

// Close tears down the session permanently; no further reconnects occur.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Subscribe adds types to the local subscription set unconditionally and,
// if connected, emits a subscribe frame immediately (§4.6).
func (c *Client) Subscribe(types ...MessageType) error {
	c.mu.Lock()
	for _, t := range types {
		c.subscriptions[t] = struct{}{}
	}
	snapshot := c.subscriptionList()
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.sendSubscribeFrame(snapshot)
}

// Unsubscribe removes types from the local subscription set unconditionally
// and, if connected, emits an unsubscribe frame immediately.
func (c *Client) Unsubscribe(types ...MessageType) error {
	c.mu.Lock()
	for _, t := range types {
		delete(c.subscriptions, t)
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(Envelope{
		ID:        NewID(),
		Type:      MessageTypeAll,
		Timestamp: nowMillis(),
		Direction: DirectionClientToServer,
		Action:    ActionUnsubscribe,
		Payload:   map[string]interface{}{"types": toStringSlice(types)},
	})
}

// Send writes a frame if connected, or appends it to the bounded offline
// queue (drop-oldest on overflow) otherwise (§4.6).
func (c *Client) Send(env Envelope) error {
	return c.send(env)
}

func (c *Client) send(env Envelope) error {
	raw, err := Encode(env)
	if err != nil {
		return err
	}

	c.mu.RLock()
	connected := c.state == StateConnected
	conn := c.conn
	c.mu.RUnlock()

	if !connected || conn == nil {
		c.enqueueOffline(raw)
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) enqueueOffline(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.offlineQueue) >= c.cfg.OfflineQueueSize {
		c.offlineQueue = c.offlineQueue[1:]
	}
	c.offlineQueue = append(c.offlineQueue, raw)
}

func (c *Client) subscriptionList() []MessageType {
	out := make([]MessageType, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	return out
}

func (c *Client) sendSubscribeFrame(types []MessageType) error {
	return c.send(Envelope{
		ID:        NewID(),
		Type:      MessageTypeAll,
		Timestamp: nowMillis(),
		Direction: DirectionClientToServer,
		Action:    ActionSubscribe,
		Payload:   map[string]interface{}{"types": toStringSlice(types)},
	})
}

func toStringSlice(types []MessageType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// runLoop is the client-side dual of the server's streamLoop: it dials,
// streams, and on a retry-permitted close computes an exponential backoff
// delay before trying again, up to MaxReconnectAttempts (§4.6, §8.I8).
func (c *Client) runLoop(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.connectAndStream(ctx)
		if err == nil || ctx.Err() != nil {
			// Close() was called or the caller's context ended: no reconnect,
			// and the state Close() set is left as it is.
			return
		}

		if c.State() == StateConnected {
			// The session had been established, so the backoff sequence
			// starts over (§4.6).
			attempt = 0
		}
		attempt++
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("session ended, reconnecting")

		if attempt >= c.cfg.MaxReconnectAttempts {
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			if c.errorCallback != nil {
				c.errorCallback(fmt.Errorf("reconnect ceiling reached after %d attempts: %w", attempt, err))
			}
			return
		}

		c.mu.Lock()
		c.state = StateReconnecting
		c.mu.Unlock()

		delay := backoffDelay(attempt, c.cfg.InitialReconnectDelay, c.cfg.MaxReconnectDelay, c.cfg.ReconnectMultiplier, c.cfg.Jitter)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// backoffDelay computes min(initial * multiplier^(attempt-1), max), with
// optional +/-20% jitter (§4.6, §8.I8).
func backoffDelay(attempt int, initial, max time.Duration, multiplier float64, jitter bool) time.Duration {
	raw := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	d := time.Duration(raw)
	if d > max {
		d = max
	}
	if jitter {
		spread := float64(d) * 0.2
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (c *Client) connectAndStream(ctx context.Context) error {
	opts := c.cfg.Options.withDefaults()

	dialer := websocket.Dialer{
		HandshakeTimeout:  opts.HandshakeTimeout,
		ReadBufferSize:    opts.ReadBufferSize,
		WriteBufferSize:   opts.WriteBufferSize,
		EnableCompression: opts.EnableCompression,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(opts.MaxMessageBytes)

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.lastPongAt = time.Now()
	c.mu.Unlock()

	// Flush offline queue, then resubscribe (§4.6). runLoop resets its
	// attempt counter when a session that reached this point ends.
	if err := c.onConnected(); err != nil {
		_ = conn.Close()
		return err
	}

	return c.handleStream(ctx, conn)
}

func (c *Client) onConnected() error {
	c.mu.Lock()
	queued := c.offlineQueue
	c.offlineQueue = nil
	subs := c.subscriptionList()
	conn := c.conn
	c.mu.Unlock()

	for _, raw := range queued {
		c.writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, raw)
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("flush offline queue: %w", err)
		}
	}

	if len(subs) > 0 {
		if err := c.sendSubscribeFrame(subs); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	return nil
}

// handleStream runs the heartbeat ticker and read loop, mirroring the
// teacher's handleStream write-pump/ping-ticker/recv-loop shape.
func (c *Client) handleStream(ctx context.Context, conn *websocket.Conn) error {
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				c.mu.RLock()
				lastPong := c.lastPongAt
				c.mu.RUnlock()
				if time.Since(lastPong) > c.cfg.HeartbeatTimeout {
					select {
					case errCh <- fmt.Errorf("heartbeat timeout"):
					default:
					}
					_ = conn.Close()
					return
				}
				if err := c.send(Envelope{
					ID:        NewID(),
					Type:      MessageTypeAll,
					Timestamp: nowMillis(),
					Direction: DirectionClientToServer,
					Action:    ActionPing,
				}); err != nil {
					select {
					case errCh <- fmt.Errorf("send ping: %w", err):
					default:
					}
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case e := <-errCh:
				return e
			default:
				return fmt.Errorf("read: %w", err)
			}
		}

		env, err := Decode(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed server frame")
			continue
		}

		if env.Event == EventPong {
			c.mu.Lock()
			c.lastPongAt = time.Now()
			c.mu.Unlock()
			continue
		}

		if env.Event == EventError {
			if c.errorCallback != nil {
				code, _ := env.Data["code"].(string)
				msg, _ := env.Data["message"].(string)
				c.errorCallback(fmt.Errorf("%s: %s", code, msg))
			}
			continue
		}

		if c.dataCallback != nil {
			c.dataCallback(env)
		}
	}
}

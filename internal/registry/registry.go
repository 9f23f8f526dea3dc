// Package registry implements the Connection Registry (C2): admission,
// subscription bookkeeping, heartbeat sweep, and the identity/id indices
// that own every live Connection. Mutations are serialized per instance
// (§5) the way the teacher serialized Client state behind c.mu.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftline/presencehub"
)

// Transport is the minimal surface the registry needs from a connection's
// underlying socket: a way to write a frame and a way to close it with a
// reason. The concrete gorilla/websocket implementation lives in
// internal/gateway; the registry never imports it, so tests can use a fake.
type Transport interface {
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Connection is one accepted session (§3 CONN).
type Connection struct {
	ID              string
	Identity        string
	Transport       Transport
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
	Alive           bool

	mu            sync.RWMutex
	subscriptions map[presencehub.MessageType]struct{}
}

// Subscriptions returns a snapshot of the connection's subscribed types.
func (c *Connection) Subscriptions() map[presencehub.MessageType]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[presencehub.MessageType]struct{}, len(c.subscriptions))
	for t := range c.subscriptions {
		out[t] = struct{}{}
	}
	return out
}

func (c *Connection) setSubscriptions(types []presencehub.MessageType) []presencehub.MessageType {
	filtered := presencehub.FilterSubscriptionTypes(types)
	c.mu.Lock()
	c.subscriptions = make(map[presencehub.MessageType]struct{}, len(filtered))
	for _, t := range filtered {
		c.subscriptions[t] = struct{}{}
	}
	c.mu.Unlock()
	return filtered
}

func (c *Connection) addSubscription(t presencehub.MessageType) bool {
	if t == presencehub.MessageTypeError {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[t] = struct{}{}
	return true
}

func (c *Connection) removeSubscription(t presencehub.MessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, t)
}

func (c *Connection) matches(t presencehub.MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return presencehub.MatchesSubscription(c.subscriptions, t)
}

// ErrMaxConnectionsExceeded is returned by Register when either admission
// cap (§4.2) would be exceeded.
type ErrMaxConnectionsExceeded struct {
	Reason string
}

func (e *ErrMaxConnectionsExceeded) Error() string { return e.Reason }

// Stats is the snapshot returned by Stats() and exposed on the /stats
// REST endpoint (§6, §4.7).
type Stats struct {
	Total                int     `json:"totalConnections"`
	UniqueIdentities     int     `json:"uniqueUsers"`
	AverageSubscriptions float64 `json:"averageSubscriptions"`
}

// Config holds the two admission caps (§6).
type Config struct {
	MaxConnectionsPerUser int
	MaxTotalConnections   int
}

func (c Config) withDefaults() Config {
	if c.MaxConnectionsPerUser <= 0 {
		c.MaxConnectionsPerUser = 3
	}
	if c.MaxTotalConnections <= 0 {
		c.MaxTotalConnections = 10000
	}
	return c
}

// Registry is the single-writer-per-instance owner of every Connection and
// both indices (§3 ownership, §5).
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	byID       map[string]*Connection
	byIdentity map[string]map[string]struct{}

	// invertedSub is the §9 "strong implementation" optimization: an
	// inverted index type -> set<connId> kept in sync on every mutation, so
	// BySubscription is O(subscribers) instead of O(total connections).
	invertedSub map[presencehub.MessageType]map[string]struct{}
}

// New creates an empty Registry.
func New(cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:         cfg.withDefaults(),
		logger:      logger.With().Str("component", "registry").Logger(),
		byID:        make(map[string]*Connection),
		byIdentity:  make(map[string]map[string]struct{}),
		invertedSub: make(map[presencehub.MessageType]map[string]struct{}),
	}
}

// Register admits a new connection, enforcing the global cap first and the
// per-identity cap second (§4.2 algorithm).
func (r *Registry) Register(transport Transport, identity string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byID) >= r.cfg.MaxTotalConnections {
		return nil, &ErrMaxConnectionsExceeded{Reason: "global connection cap reached"}
	}
	if existing := r.byIdentity[identity]; len(existing) >= r.cfg.MaxConnectionsPerUser {
		return nil, &ErrMaxConnectionsExceeded{Reason: "per-identity connection cap reached"}
	}

	now := time.Now()
	conn := &Connection{
		ID:              uuid.NewString(),
		Identity:        identity,
		Transport:       transport,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		Alive:           true,
		subscriptions:   make(map[presencehub.MessageType]struct{}),
	}

	r.byID[conn.ID] = conn
	if r.byIdentity[identity] == nil {
		r.byIdentity[identity] = make(map[string]struct{})
	}
	r.byIdentity[identity][conn.ID] = struct{}{}

	r.logger.Info().Str("conn_id", conn.ID).Str("identity", identity).Msg("connection registered")
	return conn, nil
}

// Unregister removes a connection from both indices; after this call it is
// reachable from neither (§3 invariant c).
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(id)
}

func (r *Registry) unregisterLocked(id string) {
	conn, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if set := r.byIdentity[conn.Identity]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byIdentity, conn.Identity)
		}
	}
	for t, set := range r.invertedSub {
		delete(set, id)
		if len(set) == 0 {
			delete(r.invertedSub, t)
		}
	}
	r.logger.Info().Str("conn_id", id).Msg("connection unregistered")
}

// Lookup resolves a connection by id; returns (nil, false) if it has closed.
func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	return conn, ok
}

// ByIdentity returns all live connections for an identity.
func (r *Registry) ByIdentity(identity string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byIdentity[identity]
	out := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := r.byID[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// BySubscription returns every connection whose subscription set contains t
// or the "all" wildcard (§4.2), each connection at most once. The returned
// slice is a snapshot, so its order is fixed for the caller that fans out
// over it; separate calls may order the same connections differently, since
// the inverted index is walked in map order.
func (r *Registry) BySubscription(t presencehub.MessageType) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	out := make([]*Connection, 0)
	for id := range r.invertedSub[t] {
		if conn, ok := r.byID[id]; ok {
			seen[id] = struct{}{}
			out = append(out, conn)
		}
	}
	for id := range r.invertedSub[presencehub.MessageTypeAll] {
		if _, dup := seen[id]; dup {
			continue
		}
		if conn, ok := r.byID[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// SetSubscriptions replaces a connection's subscription set (last-write-wins,
// §4.3) after filtering the reserved "error" type, and returns the accepted
// set.
func (r *Registry) SetSubscriptions(id string, types []presencehub.MessageType) ([]presencehub.MessageType, bool) {
	r.mu.Lock()
	conn, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	filtered := conn.setSubscriptions(types)

	r.mu.Lock()
	for _, set := range r.invertedSub {
		delete(set, id)
	}
	for _, t := range filtered {
		if r.invertedSub[t] == nil {
			r.invertedSub[t] = make(map[string]struct{})
		}
		r.invertedSub[t][id] = struct{}{}
	}
	r.mu.Unlock()

	return filtered, true
}

// AddSubscription adds a single type (dropping "error"); reports whether the
// connection still exists.
func (r *Registry) AddSubscription(id string, t presencehub.MessageType) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if !conn.addSubscription(t) {
		return true
	}
	r.mu.Lock()
	if r.invertedSub[t] == nil {
		r.invertedSub[t] = make(map[string]struct{})
	}
	r.invertedSub[t][id] = struct{}{}
	r.mu.Unlock()
	return true
}

// RemoveSubscription removes a single type; idempotent (§8.I9).
func (r *Registry) RemoveSubscription(id string, t presencehub.MessageType) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	conn.removeSubscription(t)
	r.mu.Lock()
	if set := r.invertedSub[t]; set != nil {
		delete(set, id)
	}
	r.mu.Unlock()
	return true
}

// Touch updates a connection's heartbeat timestamp (called on ping, §4.3).
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	conn.mu.Lock()
	conn.LastHeartbeatAt = time.Now()
	conn.mu.Unlock()
	return true
}

// SweepTimedOut closes and unregisters every connection whose heartbeat is
// older than timeoutMs, and returns the ids it closed (§4.2, §8.I6). Close
// failures are logged and swallowed: the sweep guarantees unregistration
// regardless of transport cooperation.
func (r *Registry) SweepTimedOut(timeoutMs int64) []string {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	now := time.Now()

	r.mu.Lock()
	var stale []*Connection
	for _, conn := range r.byID {
		conn.mu.RLock()
		last := conn.LastHeartbeatAt
		conn.mu.RUnlock()
		if now.Sub(last) > timeout {
			stale = append(stale, conn)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, conn := range stale {
		conn.mu.Lock()
		conn.Alive = false
		conn.mu.Unlock()

		if err := conn.Transport.Close(1001, "Heartbeat timeout"); err != nil {
			r.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("transport close failed during sweep")
		}

		r.mu.Lock()
		r.unregisterLocked(conn.ID)
		r.mu.Unlock()

		ids = append(ids, conn.ID)
	}
	return ids
}

// Stats reports the snapshot used by the /stats endpoint (§4.2, §6).
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := len(r.byID)
	uniqueIdentities := len(r.byIdentity)

	var subCount int
	for _, conn := range r.byID {
		subCount += len(conn.Subscriptions())
	}

	avg := 0.0
	if total > 0 {
		avg = float64(subCount) / float64(total)
	}

	return Stats{
		Total:                total,
		UniqueIdentities:     uniqueIdentities,
		AverageSubscriptions: avg,
	}
}

// Count returns the number of live connections; used by the change
// detector's "active connection count" field (§9 Open Question resolved in
// SPEC_FULL.md) via the narrower detector.ConnectionCounter interface.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Package router implements the Message Router (C3): decode, validate, and
// dispatch inbound client frames, mutating the Registry and occasionally
// enqueuing onto the Scheduler. The router holds no long-lived state of its
// own (§3 ownership).
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/presencehub"
	"github.com/driftline/presencehub/internal/registry"
)

// HistoryProvider resolves a get_history request. It is externally supplied
// and potentially blocking; the router bounds its effect with a context and
// converts any failure to INTERNAL_ERROR (§4.3, §5).
type HistoryProvider interface {
	History(ctx context.Context, t presencehub.MessageType, limit int) (items []map[string]interface{}, total int, err error)
}

// Replier is how the router sends a frame back to a single connection. The
// gateway's websocket write path implements this; tests can fake it.
type Replier interface {
	Reply(connID string, env presencehub.Envelope) error
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 100
)

// Config holds router-level tunables (§6).
type Config struct {
	DefaultHistoryLimit int
	MaxMessageSize      int
}

func (c Config) withDefaults() Config {
	if c.DefaultHistoryLimit <= 0 {
		c.DefaultHistoryLimit = 50
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	return c
}

// Router dispatches decoded client intents (§4.3).
type Router struct {
	cfg      Config
	registry *registry.Registry
	history  HistoryProvider
	replier  Replier
	logger   zerolog.Logger
}

// New creates a Router bound to a Registry, a history provider, and a reply
// path.
func New(cfg Config, reg *registry.Registry, history HistoryProvider, replier Replier, logger zerolog.Logger) *Router {
	return &Router{
		cfg:      cfg.withDefaults(),
		registry: reg,
		history:  history,
		replier:  replier,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// HandleRaw decodes, validates, and dispatches one inbound frame for connID
// (§4.3 steps 1-4). Decode/validate failures reply with a typed error frame
// and keep the connection open (§7); they are never propagated as a Go
// error to the caller, since a malformed frame is not a caller-visible
// failure.
func (r *Router) HandleRaw(ctx context.Context, connID string, raw []byte) {
	env, err := presencehub.Decode(raw)
	if err != nil {
		r.replyError(connID, presencehub.ErrParseError, "malformed frame")
		return
	}

	if verr := presencehub.ValidateClient(env); verr != nil {
		r.replyError(connID, verr.Code, fmt.Sprintf("invalid field(s): %v", verr.Fields))
		return
	}

	// Race with close: if the connection already vanished, drop silently.
	if _, ok := r.registry.Lookup(connID); !ok {
		return
	}

	r.dispatch(ctx, connID, env)
}

func (r *Router) dispatch(ctx context.Context, connID string, env presencehub.Envelope) {
	switch env.Action {
	case presencehub.ActionSubscribe:
		r.handleSubscribe(connID, env)
	case presencehub.ActionUnsubscribe:
		r.handleUnsubscribe(connID, env)
	case presencehub.ActionPing:
		r.handlePing(connID)
	case presencehub.ActionGetHistory:
		r.handleGetHistory(ctx, connID, env)
	case presencehub.ActionAck:
		// no-op (§4.3)
	}
}

func (r *Router) handleSubscribe(connID string, env presencehub.Envelope) {
	requested := extractTypes(env.Payload)
	filtered := presencehub.FilterSubscriptionTypes(requested)
	if len(filtered) == 0 {
		r.replyError(connID, presencehub.ErrSubscriptionInvalid, "no valid (non-reserved) types in subscribe payload")
		return
	}

	accepted, ok := r.registry.SetSubscriptions(connID, filtered)
	if !ok {
		return
	}

	r.reply(connID, presencehub.Envelope{
		Type:  presencehub.MessageTypeAll,
		Event: presencehub.EventSubscribed,
		Data:  map[string]interface{}{"types": toStrings(accepted)},
	})
}

func (r *Router) handleUnsubscribe(connID string, env presencehub.Envelope) {
	requested := extractTypes(env.Payload)
	for _, t := range requested {
		r.registry.RemoveSubscription(connID, t)
	}
	// Always ack, even if nothing was subscribed (§4.3, §8.I9).
	r.reply(connID, presencehub.Envelope{
		Type:  presencehub.MessageTypeAll,
		Event: presencehub.EventUnsubscribed,
		Data:  map[string]interface{}{"types": toStrings(requested)},
	})
}

func (r *Router) handlePing(connID string) {
	r.registry.Touch(connID)
	r.reply(connID, presencehub.Envelope{
		Type:  presencehub.MessageTypeAll,
		Event: presencehub.EventPong,
		Data:  map[string]interface{}{"serverTime": time.Now().UnixMilli()},
	})
}

func (r *Router) handleGetHistory(ctx context.Context, connID string, env presencehub.Envelope) {
	t, _ := env.Payload["type"].(string)
	messageType := presencehub.MessageType(t)
	if messageType == presencehub.MessageTypeError {
		r.replyError(connID, presencehub.ErrInvalidType, "history unavailable for reserved type")
		return
	}

	limit := r.cfg.DefaultHistoryLimit
	if raw, ok := env.Payload["limit"]; ok {
		if f, ok := raw.(float64); ok {
			limit = int(f)
		}
	}
	if limit < minHistoryLimit {
		limit = minHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	items, total, err := r.history.History(ctx, messageType, limit)
	if err != nil {
		r.logger.Error().Err(err).Str("conn_id", connID).Msg("history provider failed")
		r.replyError(connID, presencehub.ErrInternalError, "history lookup failed")
		return
	}

	r.reply(connID, presencehub.Envelope{
		Type:  messageType,
		Event: presencehub.EventHistoryData,
		Data: map[string]interface{}{
			"type":  string(messageType),
			"limit": limit,
			"items": items,
			"total": total,
		},
	})
}

func (r *Router) reply(connID string, partial presencehub.Envelope) {
	partial.ID = presencehub.NewID()
	partial.Timestamp = time.Now().UnixMilli()
	partial.Direction = presencehub.DirectionServerToClient
	if raw, err := presencehub.Encode(partial); err == nil && len(raw) > r.cfg.MaxMessageSize {
		r.logger.Warn().Str("conn_id", connID).Int("size", len(raw)).Msg("reply exceeds max message size, not sent")
		r.replyError(connID, presencehub.ErrInternalError, "reply exceeds maximum message size")
		return
	}
	if err := r.replier.Reply(connID, partial); err != nil {
		r.logger.Warn().Err(err).Str("conn_id", connID).Msg("reply write failed")
	}
}

func (r *Router) replyError(connID string, code presencehub.ErrorCode, message string) {
	env := presencehub.NewErrorEnvelope(code, message)
	if err := r.replier.Reply(connID, env); err != nil {
		r.logger.Warn().Err(err).Str("conn_id", connID).Msg("error reply write failed")
	}
}

func extractTypes(payload map[string]interface{}) []presencehub.MessageType {
	raw, ok := payload["types"]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]presencehub.MessageType, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, presencehub.MessageType(s))
		}
	}
	return out
}

func toStrings(types []presencehub.MessageType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

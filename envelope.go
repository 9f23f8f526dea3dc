// Package presencehub is the client and wire-model library for the presence
// and telemetry fan-out hub. It defines the envelope format shared by the
// server (internal/...) and the client Mirror (Client, below), and exposes
// the client as the importable SDK surface the way laserstream exposed its
// gRPC streaming Client.
package presencehub

import (
	"time"

	"github.com/google/uuid"
)

// Direction marks which side originated a frame.
type Direction string

const (
	DirectionClientToServer Direction = "client-to-server"
	DirectionServerToClient Direction = "server-to-client"
)

// MessageType is the closed set of subscribable telemetry channels, plus the
// reserved "error" type and the "all" subscription wildcard.
type MessageType string

const (
	MessageTypeStatus MessageType = "status"
	MessageTypeStats  MessageType = "stats"
	MessageTypeHealth MessageType = "health"
	MessageTypeConfig MessageType = "config"
	MessageTypeSystem MessageType = "system"
	MessageTypeError  MessageType = "error"
	MessageTypeAll    MessageType = "all"
)

// SupportedTypes is the default set advertised in the connected frame. It
// excludes the reserved and wildcard pseudo-types.
var SupportedTypes = []MessageType{
	MessageTypeStatus,
	MessageTypeStats,
	MessageTypeHealth,
	MessageTypeConfig,
	MessageTypeSystem,
}

func isKnownMessageType(t MessageType) bool {
	switch t {
	case MessageTypeStatus, MessageTypeStats, MessageTypeHealth, MessageTypeConfig, MessageTypeSystem, MessageTypeError, MessageTypeAll:
		return true
	default:
		return false
	}
}

// ClientAction is the closed set of intents a client frame may carry.
type ClientAction string

const (
	ActionSubscribe   ClientAction = "subscribe"
	ActionUnsubscribe ClientAction = "unsubscribe"
	ActionPing        ClientAction = "ping"
	ActionGetHistory  ClientAction = "get_history"
	ActionAck         ClientAction = "ack"
)

func isKnownClientAction(a ClientAction) bool {
	switch a {
	case ActionSubscribe, ActionUnsubscribe, ActionPing, ActionGetHistory, ActionAck:
		return true
	default:
		return false
	}
}

// ServerEvent is the closed set of events a server frame may carry.
type ServerEvent string

const (
	EventConnected      ServerEvent = "connected"
	EventDisconnected   ServerEvent = "disconnected"
	EventSubscribed     ServerEvent = "subscribed"
	EventUnsubscribed   ServerEvent = "unsubscribed"
	EventStatusUpdate   ServerEvent = "status_update"
	EventStatsUpdate    ServerEvent = "stats_update"
	EventHealthAlert    ServerEvent = "health_alert"
	EventHealthRecovery ServerEvent = "health_recovery"
	EventPong           ServerEvent = "pong"
	EventHistoryData    ServerEvent = "history_data"
	EventBatchUpdate    ServerEvent = "batch_update"
	EventError          ServerEvent = "error"
)

// Priority governs scheduler queue admission and drain order.
// Ordered low < normal < high so numeric comparisons reflect §4.4/§8.I4.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ErrorCode is the closed set of wire-visible error codes (§6).
type ErrorCode string

const (
	ErrParseError              ErrorCode = "PARSE_ERROR"
	ErrInvalidType             ErrorCode = "INVALID_TYPE"
	ErrInvalidAction           ErrorCode = "INVALID_ACTION"
	ErrMaxConnectionsExceeded  ErrorCode = "MAX_CONNECTIONS_EXCEEDED"
	ErrUnauthorized            ErrorCode = "UNAUTHORIZED"
	ErrInternalError           ErrorCode = "INTERNAL_ERROR"
	ErrHeartbeatTimeout        ErrorCode = "HEARTBEAT_TIMEOUT"
	ErrQueueOverflow           ErrorCode = "QUEUE_OVERFLOW"
	ErrSubscriptionInvalid     ErrorCode = "SUBSCRIPTION_INVALID"
)

// Envelope is the single wire frame shape shared by every client and server
// message (§3, §6).
type Envelope struct {
	ID        string                 `json:"id"`
	Type      MessageType            `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	Direction Direction              `json:"direction,omitempty"`
	Action    ClientAction           `json:"action,omitempty"`
	Event     ServerEvent            `json:"event,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewID returns a fresh opaque message id, the way the teacher generated
// per-subscription ids with uuid.New().
func NewID() string {
	return uuid.NewString()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// ErrorData builds the data payload for an error frame.
func ErrorData(code ErrorCode, message string) map[string]interface{} {
	return map[string]interface{}{
		"code":    string(code),
		"message": message,
	}
}

// NewErrorEnvelope builds a fully-formed server error frame.
func NewErrorEnvelope(code ErrorCode, message string) Envelope {
	return Envelope{
		ID:        NewID(),
		Type:      MessageTypeError,
		Timestamp: nowMillis(),
		Direction: DirectionServerToClient,
		Event:     EventError,
		Data:      ErrorData(code, message),
	}
}

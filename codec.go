package presencehub

import (
	"encoding/json"
	"fmt"
)

// ParseError wraps a decode failure. Decoding MUST fail closed without
// terminating the connection (§4.1, §7).
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %v", e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Encode serializes an envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses a wire frame into an Envelope. It never returns a partially
// valid Envelope mixed with an error: failure is reported solely through the
// returned error so callers can reply with PARSE_ERROR instead of closing.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &ParseError{Cause: err}
	}
	// §9 Open Question: missing direction on inbound frames is treated as
	// client-to-server; every other field stays strictly required.
	if env.Direction == "" {
		env.Direction = DirectionClientToServer
	}
	return env, nil
}

// ValidationError names the field(s) that failed client-frame validation.
type ValidationError struct {
	Code   ErrorCode
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Fields)
}

// ValidateClient checks a decoded client envelope against §4.1's contract.
// Missing required fields (a zero timestamp counts as missing) reject with
// PARSE_ERROR naming every missing field; otherwise an unknown type, then an
// unknown action, rejects naming that one field. A timestamp of the wrong
// JSON kind never gets here: Decode already fails on it.
func ValidateClient(env Envelope) *ValidationError {
	var missing []string
	if env.ID == "" {
		missing = append(missing, "id")
	}
	if env.Type == "" {
		missing = append(missing, "type")
	}
	if env.Action == "" {
		missing = append(missing, "action")
	}
	if env.Timestamp == 0 {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return &ValidationError{Code: ErrParseError, Fields: missing}
	}

	if !isKnownMessageType(env.Type) {
		return &ValidationError{Code: ErrInvalidType, Fields: []string{"type"}}
	}
	if !isKnownClientAction(env.Action) {
		return &ValidationError{Code: ErrInvalidAction, Fields: []string{"action"}}
	}
	return nil
}

// FilterSubscriptionTypes drops the reserved "error" type from a requested
// subscription set (§4.1, §4.3). The caller decides what an empty result
// means (SUBSCRIPTION_INVALID for subscribe; a no-op for other callers).
func FilterSubscriptionTypes(requested []MessageType) []MessageType {
	out := make([]MessageType, 0, len(requested))
	for _, t := range requested {
		if t == MessageTypeError {
			continue
		}
		out = append(out, t)
	}
	return out
}

// MatchesSubscription reports whether a subscription set (which may contain
// the "all" wildcard) covers the given concrete MessageType. "error" never
// matches, even via "all" (§3 invariant b, §4.2).
func MatchesSubscription(subs map[MessageType]struct{}, t MessageType) bool {
	if t == MessageTypeError {
		return false
	}
	if _, ok := subs[t]; ok {
		return true
	}
	_, ok := subs[MessageTypeAll]
	return ok
}

package presencehub

import "time"

// DialOptions configures the client's websocket dial behavior. It is the
// direct descendant of the teacher's gRPC ChannelOptions: same "zero value
// means default" idiom, retargeted from gRPC keepalive/window tuning to
// gorilla/websocket's Dialer knobs.
type DialOptions struct {
	// HandshakeTimeout bounds the initial HTTP upgrade. Default: 10s.
	HandshakeTimeout time.Duration

	// ReadBufferSize / WriteBufferSize size the underlying connection's I/O
	// buffers. Default: 4KB each (gorilla/websocket's own default).
	ReadBufferSize  int
	WriteBufferSize int

	// EnableCompression turns on permessage-deflate. Default: false.
	EnableCompression bool

	// MaxMessageBytes caps a single inbound frame the client will accept
	// before dropping the connection; mirrors the router-level
	// maxMessageSize cap (§6) from the other direction. Default: 64KiB.
	MaxMessageBytes int64
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultMaxMessageBytes  = 64 * 1024
)

func (o *DialOptions) withDefaults() DialOptions {
	out := DialOptions{}
	if o != nil {
		out = *o
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.MaxMessageBytes <= 0 {
		out.MaxMessageBytes = defaultMaxMessageBytes
	}
	return out
}

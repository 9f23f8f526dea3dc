package presencehub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// echoServer accepts websocket connections and answers every ping it
// receives with a pong, recording every received frame for assertions. It
// sends no connected frame.
type echoServer struct {
	mu       sync.Mutex
	received []Envelope
}

func (s *echoServer) handler(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := Decode(raw)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, env)
			s.mu.Unlock()

			if env.Action == ActionPing {
				reply := Envelope{ID: NewID(), Type: MessageTypeAll, Timestamp: nowMillis(), Direction: DirectionServerToClient, Event: EventPong}
				raw, _ := Encode(reply)
				_ = conn.WriteMessage(websocket.TextMessage, raw)
			}
		}
	}
}

func (s *echoServer) snapshot() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.received))
	copy(out, s.received)
	return out
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientConnectAndSubscribe(t *testing.T) {
	server := &echoServer{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(server.handler(upgrader))
	defer srv.Close()

	client := NewClient(ClientConfig{URL: wsURL(t, srv)}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.Connect(ctx))

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Subscribe(MessageTypeStatus, MessageTypeHealth))

	require.Eventually(t, func() bool {
		for _, env := range server.snapshot() {
			if env.Action == ActionSubscribe {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	client.Close()
	require.Equal(t, StateDisconnected, client.State())
}

func TestClientConnectIsIdempotent(t *testing.T) {
	server := &echoServer{}
	srv := httptest.NewServer(server.handler(websocket.Upgrader{}))
	defer srv.Close()

	client := NewClient(ClientConfig{URL: wsURL(t, srv)}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.Connect(ctx)) // second call is a no-op, not an error
	client.Close()
}

func TestClientSendWhileDisconnectedQueuesOffline(t *testing.T) {
	client := NewClient(ClientConfig{URL: "ws://127.0.0.1:0/unused", OfflineQueueSize: 2}, zerolog.Nop())

	require.NoError(t, client.Send(Envelope{ID: "1", Type: MessageTypeStatus, Action: ActionPing}))
	require.NoError(t, client.Send(Envelope{ID: "2", Type: MessageTypeStatus, Action: ActionPing}))
	require.NoError(t, client.Send(Envelope{ID: "3", Type: MessageTypeStatus, Action: ActionPing}))

	require.Len(t, client.offlineQueue, 2, "bounded offline queue must drop the oldest entry once full")
}

func TestBackoffDelayRespectsCeiling(t *testing.T) {
	d := backoffDelay(10, 3*time.Second, 30*time.Second, 1.5, false)
	require.Equal(t, 30*time.Second, d)
}

func TestBackoffDelayGrowsWithAttempt(t *testing.T) {
	d1 := backoffDelay(1, 1*time.Second, 30*time.Second, 2.0, false)
	d2 := backoffDelay(2, 1*time.Second, 30*time.Second, 2.0, false)
	require.Less(t, d1, d2)
}

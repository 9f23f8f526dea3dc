package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/driftline/presencehub"
	"github.com/driftline/presencehub/internal/registry"
)

type fakeTransport struct{}

func (fakeTransport) WriteMessage(data []byte) error      { return nil }
func (fakeTransport) Close(code int, reason string) error { return nil }

type fakeRecipients struct {
	conns []*registry.Connection
}

func (f *fakeRecipients) BySubscription(t presencehub.MessageType) []*registry.Connection {
	return f.conns
}

type recordingWriter struct {
	mu    sync.Mutex
	count int
	last  []byte
}

func (w *recordingWriter) WriteTo(conn *registry.Connection, raw []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
	w.last = raw
	return nil
}

func (w *recordingWriter) writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []map[string]interface{}
}

func (r *fakeRecorder) Record(_ presencehub.MessageType, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, data)
}

func (r *fakeRecorder) recorded() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries
}

type fakeMetrics struct {
	mu       sync.Mutex
	emitted  int
	rejected int
}

func (m *fakeMetrics) ObserveEmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted++
}

func (m *fakeMetrics) ObserveRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

func newConn(t *testing.T, identity string) *registry.Connection {
	reg := registry.New(registry.Config{MaxConnectionsPerUser: 100, MaxTotalConnections: 100}, zerolog.Nop())
	conn, err := reg.Register(fakeTransport{}, identity)
	require.NoError(t, err)
	return conn
}

// newTestScheduler builds a Scheduler whose flush ticker never fires within a
// test, so admission and drain can be driven deterministically via Flush().
// The flush goroutine is stopped up front, because a high-priority Enqueue
// would otherwise wake it to drain concurrently with the test's assertions;
// Flush() still drains synchronously after Stop.
func newTestScheduler(maxQueue, batchSize int, recipients Recipient, writer Writer) *Scheduler {
	s := New(Config{
		MaxQueueSize:           maxQueue,
		BroadcastBatchSize:     batchSize,
		BroadcastFlushInterval: time.Hour,
	}, recipients, writer, nil, nil, zerolog.Nop())
	s.Stop()
	return s
}

func TestEnqueueAdmitsUnderCapacity(t *testing.T) {
	s := newTestScheduler(10, 10, &fakeRecipients{}, &recordingWriter{})
	defer s.Stop()

	require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityNormal}))
	require.Equal(t, 1, s.Stats().Length)
}

// TestQueueDisplacementEvictsLowForHighPressure exercises step 1 of the
// §4.4 admission algorithm: a full low-priority queue yields to a
// higher-priority arrival.
func TestQueueDisplacementEvictsLowForHighPressure(t *testing.T) {
	s := newTestScheduler(4, 100, &fakeRecipients{}, &recordingWriter{})
	defer s.Stop()

	for i := 0; i < 4; i++ {
		require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityLow}))
	}
	require.Equal(t, 4, s.Stats().Length)

	require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeHealth, Priority: presencehub.PriorityHigh}))
	require.Equal(t, 4, s.Stats().Length, "queue stays at capacity after an eviction-admission")
}

func TestQueueDisplacementRejectsLowWhenFullOfNonLow(t *testing.T) {
	s := newTestScheduler(2, 100, &fakeRecipients{}, &recordingWriter{})
	defer s.Stop()

	require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityNormal}))
	require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityNormal}))

	// Queue full of normal-priority tasks: a low-priority arrival is rejected
	// outright (step 2), since step 1 only evicts an existing low task.
	require.False(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityLow}))
	require.Equal(t, 2, s.Stats().Length)
}

func TestQueueDisplacementEvictsNormalForHigh(t *testing.T) {
	s := newTestScheduler(2, 100, &fakeRecipients{}, &recordingWriter{})
	defer s.Stop()

	require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityNormal}))
	require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityNormal}))

	// Step 3: a high-priority arrival evicts a normal-priority task.
	require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeHealth, Priority: presencehub.PriorityHigh}))
	require.Equal(t, 2, s.Stats().Length)
}

func TestQueueDisplacementRejectsWhenFullOfHigh(t *testing.T) {
	s := newTestScheduler(2, 100, &fakeRecipients{}, &recordingWriter{})
	defer s.Stop()

	require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityHigh}))
	require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityHigh}))

	// Step 4: nothing evictable, a further high-priority arrival is rejected.
	require.False(t, s.Enqueue(Task{Type: presencehub.MessageTypeHealth, Priority: presencehub.PriorityHigh}))
	require.Equal(t, 2, s.Stats().Length)
}

func TestDrainMergesMixedPrioritySameTypeTasks(t *testing.T) {
	writer := &recordingWriter{}
	conn := newConn(t, "alice")
	s := newTestScheduler(100, 100, &fakeRecipients{conns: []*registry.Connection{conn}}, writer)
	defer s.Stop()

	s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityLow})
	s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityHigh})
	s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityNormal})

	s.Flush()

	require.Equal(t, 0, s.Stats().Length)
	require.Equal(t, 1, writer.writes(), "same-type batch is merged into one envelope per recipient")
}

func TestBroadcastUrgentBypassesQueue(t *testing.T) {
	writer := &recordingWriter{}
	conn := newConn(t, "alice")
	s := newTestScheduler(100, 100, &fakeRecipients{conns: []*registry.Connection{conn}}, writer)
	defer s.Stop()

	s.BroadcastUrgent(presencehub.MessageTypeHealth, presencehub.EventHealthAlert, map[string]interface{}{"level": "critical"})

	require.Equal(t, 0, s.Stats().Length)
	require.Equal(t, 1, writer.writes())
}

func TestBroadcastToConnectionsWritesDirectly(t *testing.T) {
	writer := &recordingWriter{}
	conn := newConn(t, "alice")
	s := newTestScheduler(100, 100, &fakeRecipients{}, writer)
	defer s.Stop()

	env := presencehub.NewErrorEnvelope(presencehub.ErrInternalError, "test")
	s.BroadcastToConnections([]*registry.Connection{conn}, env)

	require.Equal(t, 1, writer.writes())
}

func TestStopIsIdempotent(t *testing.T) {
	s := newTestScheduler(10, 10, &fakeRecipients{}, &recordingWriter{})
	s.Stop()
	require.NotPanics(t, func() { s.Stop() })
}

// TestProcessBatchRecordsEmittedEvents verifies every drained task is handed
// to the Recorder, including groups with zero current subscribers: history
// must retain events a client can replay even if nobody was listening live.
func TestProcessBatchRecordsEmittedEvents(t *testing.T) {
	recorder := &fakeRecorder{}
	s := New(Config{MaxQueueSize: 10, BroadcastBatchSize: 10, BroadcastFlushInterval: time.Hour},
		&fakeRecipients{}, &recordingWriter{}, recorder, nil, zerolog.Nop())
	defer s.Stop()

	s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Data: map[string]interface{}{"cpu": 10}, Priority: presencehub.PriorityNormal})
	s.Flush()

	require.Len(t, recorder.recorded(), 1)
}

func TestBroadcastUrgentRecordsEvenWithoutRecipients(t *testing.T) {
	recorder := &fakeRecorder{}
	s := New(Config{MaxQueueSize: 10, BroadcastBatchSize: 10, BroadcastFlushInterval: time.Hour},
		&fakeRecipients{}, &recordingWriter{}, recorder, nil, zerolog.Nop())
	defer s.Stop()

	s.BroadcastUrgent(presencehub.MessageTypeHealth, presencehub.EventHealthAlert, map[string]interface{}{"level": "critical"})

	require.Len(t, recorder.recorded(), 1)
}

func TestProcessBatchIncrementsEmittedMetric(t *testing.T) {
	conn := newConn(t, "alice")
	m := &fakeMetrics{}
	s := New(Config{MaxQueueSize: 10, BroadcastBatchSize: 10, BroadcastFlushInterval: time.Hour},
		&fakeRecipients{conns: []*registry.Connection{conn}}, &recordingWriter{}, nil, m, zerolog.Nop())
	defer s.Stop()

	s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityNormal})
	s.Flush()

	require.Equal(t, 1, m.emitted)
}

func TestAdmitLockedIncrementsRejectedMetric(t *testing.T) {
	m := &fakeMetrics{}
	s := New(Config{MaxQueueSize: 1, BroadcastBatchSize: 10, BroadcastFlushInterval: time.Hour},
		&fakeRecipients{}, &recordingWriter{}, nil, m, zerolog.Nop())
	defer s.Stop()

	require.True(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityNormal}))
	require.False(t, s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Priority: presencehub.PriorityLow}))

	require.Equal(t, 1, m.rejected)
}

// TestBatchUpdateEventsOrderedByEnqueuedAt pins down I5: within a same-type
// batch_update, events must never regress in timestamp, even when a
// later-enqueued high-priority task sorted ahead of an earlier low-priority
// one in the overall drain order.
func TestBatchUpdateEventsOrderedByEnqueuedAt(t *testing.T) {
	writer := &recordingWriter{}
	conn := newConn(t, "alice")
	s := newTestScheduler(100, 100, &fakeRecipients{conns: []*registry.Connection{conn}}, writer)
	defer s.Stop()

	now := time.Now()
	s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Event: presencehub.EventStatusUpdate, Priority: presencehub.PriorityLow, EnqueuedAt: now})
	s.Enqueue(Task{Type: presencehub.MessageTypeStatus, Event: presencehub.EventStatusUpdate, Priority: presencehub.PriorityHigh, EnqueuedAt: now.Add(time.Second)})

	s.Flush()

	require.Equal(t, 1, writer.writes())
	env, err := presencehub.Decode(writer.last)
	require.NoError(t, err)
	events, ok := env.Data["events"].([]interface{})
	require.True(t, ok)
	require.Len(t, events, 2)

	var lastTs float64
	for i, raw := range events {
		m, ok := raw.(map[string]interface{})
		require.True(t, ok)
		ts, ok := m["timestamp"].(float64)
		require.True(t, ok)
		if i > 0 {
			require.GreaterOrEqual(t, ts, lastTs, "timestamps must be non-decreasing within a batch group")
		}
		lastTs = ts
	}
}

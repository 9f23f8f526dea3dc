// Package scheduler implements the Broadcast Scheduler (C4): a bounded
// priority queue with displacement-on-full admission, batched draining on a
// fixed tick, and an urgent bypass path for safety-critical notifications.
// Like the teacher's handleStream write-pump/ping-ticker pair, drain and
// enqueue are independent goroutines coordinated by a mutex rather than by
// sharing raw slices across them.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/presencehub"
	"github.com/driftline/presencehub/internal/registry"
)

// Task is a queued fan-out job (§3 BroadcastTask).
type Task struct {
	Type       presencehub.MessageType
	Event      presencehub.ServerEvent
	Data       map[string]interface{}
	Priority   presencehub.Priority
	EnqueuedAt time.Time
}

// Recipient is the narrow surface the scheduler needs to fan out: resolve
// subscribers for a type and write a serialized frame to one connection.
type Recipient interface {
	BySubscription(t presencehub.MessageType) []*registry.Connection
}

// Writer isolates per-recipient write failures from the batch (§4.4, §5).
type Writer interface {
	WriteTo(conn *registry.Connection, raw []byte) error
}

// Recorder persists an emitted event so it becomes queryable through the
// router's get_history action (§4.3). A nil Recorder simply skips recording,
// the same optionality the detector's samplers allow.
type Recorder interface {
	Record(t presencehub.MessageType, data map[string]interface{})
}

// BroadcastMetrics is the narrow counter surface the scheduler reports to;
// a nil value skips instrumentation.
type BroadcastMetrics interface {
	ObserveEmitted()
	ObserveRejected()
}

// Config holds scheduler tunables (§6).
type Config struct {
	MaxQueueSize           int
	BroadcastBatchSize     int
	BroadcastFlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.BroadcastBatchSize <= 0 {
		c.BroadcastBatchSize = 100
	}
	if c.BroadcastFlushInterval <= 0 {
		c.BroadcastFlushInterval = 50 * time.Millisecond
	}
	return c
}

// Stats is the snapshot exposed on the /queue REST endpoint (§4.7, §6).
type Stats struct {
	Length      int  `json:"length"`
	IsProcessing bool `json:"isProcessing"`
}

// Scheduler owns Q exclusively (§3).
type Scheduler struct {
	cfg        Config
	recipients Recipient
	writer     Writer
	recorder   Recorder
	metrics    BroadcastMetrics
	logger     zerolog.Logger

	mu          sync.Mutex
	queue       []Task
	processing  bool
	drainSignal chan struct{}
	stopCh      chan struct{}
	stopped     bool
}

// New creates a Scheduler and starts its drain ticker. recorder and
// metricsSink are both optional (nil skips the corresponding side effect).
func New(cfg Config, recipients Recipient, writer Writer, recorder Recorder, metricsSink BroadcastMetrics, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:         cfg.withDefaults(),
		recipients:  recipients,
		writer:      writer,
		recorder:    recorder,
		metrics:     metricsSink,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		drainSignal: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Enqueue admits a task under the bounded-queue displacement rule (§4.4,
// §8.I3, §8.I4). A high-priority enqueue triggers an immediate drain
// attempt instead of waiting for the next tick.
func (s *Scheduler) Enqueue(t Task) bool {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	accepted := s.admitLocked(t)
	s.mu.Unlock()

	if accepted && t.Priority == presencehub.PriorityHigh {
		s.signalDrain()
	}
	return accepted
}

// Broadcast is the non-urgent enqueue entry point named in §4.4.
func (s *Scheduler) Broadcast(t presencehub.MessageType, event presencehub.ServerEvent, data map[string]interface{}, priority presencehub.Priority) bool {
	return s.Enqueue(Task{Type: t, Event: event, Data: data, Priority: priority})
}

// admitLocked implements the §4.4 displacement algorithm. Caller holds s.mu.
func (s *Scheduler) admitLocked(t Task) bool {
	if len(s.queue) < s.cfg.MaxQueueSize {
		s.queue = append(s.queue, t)
		return true
	}

	// Step 1: evict a low-priority task for any non-low incoming task.
	if t.Priority != presencehub.PriorityLow {
		if idx := s.firstIndexOfPriority(presencehub.PriorityLow); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.queue = append(s.queue, t)
			return true
		}
	}

	// Step 2: low-priority incoming tasks are rejected once full (step 1
	// never applies to them).
	if t.Priority == presencehub.PriorityLow {
		s.observeRejected()
		return false
	}

	// Step 3: evict a normal-priority task for an incoming high-priority task.
	if t.Priority == presencehub.PriorityHigh {
		if idx := s.firstIndexOfPriority(presencehub.PriorityNormal); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.queue = append(s.queue, t)
			return true
		}
	}

	// Step 4: nothing evictable.
	s.logger.Warn().Str("priority", t.Priority.String()).Msg("queue full, task rejected")
	s.observeRejected()
	return false
}

func (s *Scheduler) observeRejected() {
	if s.metrics != nil {
		s.metrics.ObserveRejected()
	}
}

func (s *Scheduler) recordEmitted(t presencehub.MessageType, data map[string]interface{}) {
	if s.recorder != nil {
		s.recorder.Record(t, data)
	}
}

func (s *Scheduler) firstIndexOfPriority(p presencehub.Priority) int {
	for i, task := range s.queue {
		if task.Priority == p {
			return i
		}
	}
	return -1
}

func (s *Scheduler) signalDrain() {
	select {
	case s.drainSignal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) flushLoop() {
	ticker := time.NewTicker(s.cfg.BroadcastFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drainOnce()
		case <-s.drainSignal:
			s.drainOnce()
		}
	}
}

func (s *Scheduler) drainOnce() {
	s.mu.Lock()
	if s.processing || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.processing = true

	// Sort the entire queue by (priority desc, enqueuedAt asc), then slice
	// the prefix (§4.4).
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].Priority != s.queue[j].Priority {
			return s.queue[i].Priority > s.queue[j].Priority
		}
		return s.queue[i].EnqueuedAt.Before(s.queue[j].EnqueuedAt)
	})

	batchSize := s.cfg.BroadcastBatchSize
	if batchSize > len(s.queue) {
		batchSize = len(s.queue)
	}
	batch := make([]Task, batchSize)
	copy(batch, s.queue[:batchSize])
	s.queue = s.queue[batchSize:]
	remaining := len(s.queue)
	s.mu.Unlock()

	s.processBatch(batch)

	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()

	if remaining > 0 {
		s.signalDrain()
	}
}

// processBatch groups tasks by type and emits one envelope per group,
// merging multi-task groups into a single batch_update (§4.4).
func (s *Scheduler) processBatch(batch []Task) {
	groups := make(map[presencehub.MessageType][]Task)
	order := make([]presencehub.MessageType, 0)
	for _, t := range batch {
		if _, ok := groups[t.Type]; !ok {
			order = append(order, t.Type)
		}
		groups[t.Type] = append(groups[t.Type], t)
	}

	for _, msgType := range order {
		tasks := groups[msgType]
		// Each same-type group is itself a slice of the overall
		// (priority desc, enqueuedAt asc) order, so a later-enqueued
		// high-priority task can precede an earlier low/normal one; re-sort
		// by EnqueuedAt alone so a batch_update's events never regress in
		// timestamp (§8.I5).
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].EnqueuedAt.Before(tasks[j].EnqueuedAt)
		})

		for _, t := range tasks {
			s.recordEmitted(t.Type, t.Data)
		}

		recipients := s.recipients.BySubscription(msgType)
		if len(recipients) == 0 {
			continue
		}

		var env presencehub.Envelope
		if len(tasks) == 1 {
			env = presencehub.Envelope{
				ID:        presencehub.NewID(),
				Type:      msgType,
				Timestamp: time.Now().UnixMilli(),
				Direction: presencehub.DirectionServerToClient,
				Event:     tasks[0].Event,
				Data:      tasks[0].Data,
			}
		} else {
			events := make([]map[string]interface{}, len(tasks))
			for i, t := range tasks {
				events[i] = map[string]interface{}{
					"event":     string(t.Event),
					"data":      t.Data,
					"timestamp": t.EnqueuedAt.UnixMilli(),
				}
			}
			env = presencehub.Envelope{
				ID:        presencehub.NewID(),
				Type:      msgType,
				Timestamp: time.Now().UnixMilli(),
				Direction: presencehub.DirectionServerToClient,
				Event:     presencehub.EventBatchUpdate,
				Data:      map[string]interface{}{"events": events},
			}
		}

		raw, err := presencehub.Encode(env)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to serialize broadcast envelope")
			continue
		}

		for _, conn := range recipients {
			if err := s.writer.WriteTo(conn, raw); err != nil {
				s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("broadcast write failed")
				continue
			}
			if s.metrics != nil {
				s.metrics.ObserveEmitted()
			}
		}
	}
}

// BroadcastUrgent bypasses the queue entirely and fans out synchronously,
// still isolating per-recipient failures (§4.4).
func (s *Scheduler) BroadcastUrgent(t presencehub.MessageType, event presencehub.ServerEvent, data map[string]interface{}) {
	s.recordEmitted(t, data)

	recipients := s.recipients.BySubscription(t)
	if len(recipients) == 0 {
		return
	}
	env := presencehub.Envelope{
		ID:        presencehub.NewID(),
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Direction: presencehub.DirectionServerToClient,
		Event:     event,
		Data:      data,
	}
	raw, err := presencehub.Encode(env)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to serialize urgent broadcast")
		return
	}
	for _, conn := range recipients {
		if err := s.writer.WriteTo(conn, raw); err != nil {
			s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("urgent broadcast write failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.ObserveEmitted()
		}
	}
}

// BroadcastToConnections writes a pre-built envelope directly to a specific
// set of connections through the scheduler's Writer, bypassing the queue and
// subscription matching.
func (s *Scheduler) BroadcastToConnections(conns []*registry.Connection, env presencehub.Envelope) {
	raw, err := presencehub.Encode(env)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to serialize direct envelope")
		return
	}
	for _, conn := range conns {
		if err := s.writer.WriteTo(conn, raw); err != nil {
			s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("direct write failed")
		}
	}
}

// Flush forces an immediate drain attempt, outside the normal tick cadence.
func (s *Scheduler) Flush() {
	s.drainOnce()
}

// Stats reports the current queue depth and processing flag (§4.7, §6).
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Length: len(s.queue), IsProcessing: s.processing}
}

// Stop cancels the flush ticker and drops any undrained tasks; no
// at-least-once promise across process lifetime (§5).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	close(s.stopCh)
}

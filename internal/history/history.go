// Package history implements the HistoryProvider consumed by the router's
// get_history action. It is a supplemented component (SPEC_FULL.md): the
// distilled spec treats history as an externally-supplied callable and
// explicitly excludes persistence across restarts as a Non-goal, so this is
// a bounded in-memory ring buffer per MessageType.
//
// Its replay-window shape is grounded directly on the teacher's
// FromSlot/ForkDepthSafetyMargin resume logic in laserstream.go: both bound
// "how far back can a client catch up" by a fixed depth rather than an
// unbounded log.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/driftline/presencehub"
)

// Entry is one historical item recorded for a MessageType.
type Entry struct {
	Data      map[string]interface{}
	Timestamp time.Time
}

// RingBuffer is a fixed-depth, non-persistent HistoryProvider implementation.
type RingBuffer struct {
	depth int

	mu   sync.Mutex
	logs map[presencehub.MessageType][]Entry
}

// NewRingBuffer creates a HistoryProvider that retains up to depth entries
// per MessageType (oldest dropped first), the ring-buffer analog of the
// teacher's ForkDepthSafetyMargin-bounded replay window.
func NewRingBuffer(depth int) *RingBuffer {
	if depth <= 0 {
		depth = 500
	}
	return &RingBuffer{
		depth: depth,
		logs:  make(map[presencehub.MessageType][]Entry),
	}
}

// Record appends an entry for t, evicting the oldest once depth is reached.
func (r *RingBuffer) Record(t presencehub.MessageType, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := append(r.logs[t], Entry{Data: data, Timestamp: time.Now()})
	if len(entries) > r.depth {
		entries = entries[len(entries)-r.depth:]
	}
	r.logs[t] = entries
}

// History implements router.HistoryProvider: returns the most recent limit
// entries for t, newest first, plus the total retained count.
func (r *RingBuffer) History(_ context.Context, t presencehub.MessageType, limit int) ([]map[string]interface{}, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.logs[t]
	total := len(entries)
	if limit > total {
		limit = total
	}

	out := make([]map[string]interface{}, 0, limit)
	for i := total - 1; i >= total-limit; i-- {
		out = append(out, entries[i].Data)
	}
	return out, total, nil
}

package detector

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/driftline/presencehub"
)

type recordedBroadcast struct {
	Type     presencehub.MessageType
	Event    presencehub.ServerEvent
	Data     map[string]interface{}
	Priority presencehub.Priority
	Urgent   bool
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []recordedBroadcast
}

func (f *fakeBroadcaster) Broadcast(t presencehub.MessageType, event presencehub.ServerEvent, data map[string]interface{}, priority presencehub.Priority) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedBroadcast{Type: t, Event: event, Data: data, Priority: priority})
	return true
}

func (f *fakeBroadcaster) BroadcastUrgent(t presencehub.MessageType, event presencehub.ServerEvent, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedBroadcast{Type: t, Event: event, Data: data, Urgent: true})
}

func (f *fakeBroadcaster) events() []recordedBroadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedBroadcast, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestDetector(b Broadcaster) *Detector {
	return New(Config{CPUThreshold: 80, MemoryThreshold: 80}, b, nil, nil, nil, zerolog.Nop())
}

func TestDiffStatusFirstSampleBroadcastsUnconditionally(t *testing.T) {
	b := &fakeBroadcaster{}
	d := newTestDetector(b)

	d.diffStatus(StatusSample{CPUPercent: 10, ActiveConnections: 1, Online: true})

	events := b.events()
	require.Len(t, events, 1)
	require.Equal(t, presencehub.EventStatusUpdate, events[0].Event)
}

func TestDiffStatusNoChangeEmitsNothing(t *testing.T) {
	b := &fakeBroadcaster{}
	d := newTestDetector(b)

	sample := StatusSample{CPUPercent: 10, ActiveConnections: 1, Online: true}
	d.diffStatus(sample)
	d.diffStatus(sample)

	require.Len(t, b.events(), 1, "an unchanged sample after the first must not re-broadcast")
}

func TestDiffStatusThresholdCrossingIsHighPriority(t *testing.T) {
	b := &fakeBroadcaster{}
	d := newTestDetector(b)

	d.diffStatus(StatusSample{CPUPercent: 70})
	d.diffStatus(StatusSample{CPUPercent: 90})

	events := b.events()
	require.Len(t, events, 2)
	require.Equal(t, presencehub.PriorityHigh, events[1].Priority)
}

func TestDiffStatsEmitsOnlyAboveDeltaThreshold(t *testing.T) {
	b := &fakeBroadcaster{}
	d := newTestDetector(b)

	d.diffStats(StatsSample{RequestsPerSecond: 10, RequestsTotal: 100})
	d.diffStats(StatsSample{RequestsPerSecond: 12, RequestsTotal: 100}) // delta 2, below default 5
	require.Empty(t, b.events())

	d.diffStats(StatsSample{RequestsPerSecond: 20, RequestsTotal: 100}) // delta 8, above threshold
	require.Len(t, b.events(), 1)
	require.Equal(t, presencehub.EventStatsUpdate, b.events()[0].Event)
}

func TestDiffStatsEmitsOnAnyTotalChange(t *testing.T) {
	b := &fakeBroadcaster{}
	d := newTestDetector(b)

	d.diffStats(StatsSample{RequestsPerSecond: 10, RequestsTotal: 100})
	d.diffStats(StatsSample{RequestsPerSecond: 10, RequestsTotal: 101})

	require.Len(t, b.events(), 1)
}

// TestDiffHealthStateMachine walks the worked example: cpuThreshold=80,
// samples 70/85/96/85/70 must yield no-event, alert(warning),
// alert(critical,urgent), alert(warning), recovery(normal).
func TestDiffHealthStateMachine(t *testing.T) {
	b := &fakeBroadcaster{}
	d := newTestDetector(b)
	hc := HealthCheck{Name: "cpu", Threshold: 80}

	d.diffHealth(hc, 70) // info, first observation healthy: no event
	require.Empty(t, b.events())

	d.diffHealth(hc, 85) // warning
	events := b.events()
	require.Len(t, events, 1)
	require.Equal(t, presencehub.EventHealthAlert, events[0].Event)
	require.Equal(t, "warning", events[0].Data["level"])
	require.False(t, events[0].Urgent)

	d.diffHealth(hc, 96) // critical: > threshold+15
	events = b.events()
	require.Len(t, events, 2)
	require.Equal(t, presencehub.EventHealthAlert, events[1].Event)
	require.Equal(t, "critical", events[1].Data["level"])
	require.True(t, events[1].Urgent)

	d.diffHealth(hc, 85) // back down to warning: still non-info, still an alert
	events = b.events()
	require.Len(t, events, 3)
	require.Equal(t, "warning", events[2].Data["level"])

	d.diffHealth(hc, 70) // recovery to info
	events = b.events()
	require.Len(t, events, 4)
	require.Equal(t, presencehub.EventHealthRecovery, events[3].Event)
	require.Equal(t, presencehub.PriorityNormal, events[3].Priority)
}

func TestDiffHealthUnchangedLevelEmitsNothing(t *testing.T) {
	b := &fakeBroadcaster{}
	d := newTestDetector(b)
	hc := HealthCheck{Name: "memory", Threshold: 80}

	d.diffHealth(hc, 85)
	d.diffHealth(hc, 86) // still warning, unchanged level
	require.Len(t, b.events(), 1)
}

func TestClassify(t *testing.T) {
	require.Equal(t, levelInfo, classify(50, 80))
	require.Equal(t, levelWarning, classify(85, 80))
	require.Equal(t, levelCritical, classify(96, 80))
}

func TestForceStatusBroadcastResetsFirstSample(t *testing.T) {
	b := &fakeBroadcaster{}
	d := newTestDetector(b)

	d.diffStatus(StatusSample{CPUPercent: 10})
	require.Len(t, b.events(), 1)

	d.ForceStatusBroadcast()
	d.diffStatus(StatusSample{CPUPercent: 10}) // identical sample, but forced
	require.Len(t, b.events(), 2)
}

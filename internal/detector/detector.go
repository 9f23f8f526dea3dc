// Package detector implements the Change Detector (C5): periodic sampling,
// field-level diffing, threshold evaluation, and broadcast emission. It
// owns its own last-sample and health-level state exclusively (§3) and only
// ever enqueues onto the Scheduler.
package detector

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/presencehub"
)

// Broadcaster is the narrow Scheduler surface the detector needs.
type Broadcaster interface {
	Broadcast(t presencehub.MessageType, event presencehub.ServerEvent, data map[string]interface{}, priority presencehub.Priority) bool
	BroadcastUrgent(t presencehub.MessageType, event presencehub.ServerEvent, data map[string]interface{})
}

// ConnectionCounter resolves the live connection count for SystemStatus.
// §9's Open Question is resolved in SPEC_FULL.md: the detector uses the
// real registry count via this narrow interface rather than a synthesized
// sample.
type ConnectionCounter interface {
	Count() int
}

// StatusSample is one observed system snapshot (§3 S_status).
type StatusSample struct {
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	ActiveConnections int
	Online            bool
}

// StatsSample is one observed request-rate snapshot (§3 S_stats).
type StatsSample struct {
	RequestsPerSecond float64
	RequestsTotal     int64
}

// StatusSampler and StatsSampler are externally supplied: the detector never
// decides how a sample is produced, only how it is diffed (§9 Open
// Question: both "real counts" and "synthesized" shapes are permissible).
type StatusSampler func() (StatusSample, bool)
type StatsSampler func() (StatsSample, bool)

// HealthCheck is one monitored component with a warning/critical threshold
// (§4.5).
type HealthCheck struct {
	Name      string
	Threshold float64
	Sample    func() (value float64, ok bool)
}

const (
	criticalOffset = 15.0
)

type healthLevel int

const (
	levelInfo healthLevel = iota
	levelWarning
	levelCritical
)

func (l healthLevel) String() string {
	switch l {
	case levelCritical:
		return "critical"
	case levelWarning:
		return "warning"
	default:
		return "info"
	}
}

func classify(value, threshold float64) healthLevel {
	switch {
	case value > threshold+criticalOffset:
		return levelCritical
	case value > threshold:
		return levelWarning
	default:
		return levelInfo
	}
}

// Change records one field-level transition (§3).
type Change struct {
	Field    string      `json:"field"`
	OldValue interface{} `json:"oldValue"`
	NewValue interface{} `json:"newValue"`
	Delta    *float64    `json:"delta,omitempty"`
}

// Config holds detector tunables (§4.5, §6).
type Config struct {
	SampleInterval   time.Duration // default 1s
	CPUThreshold     float64       // default 80
	MemoryThreshold  float64       // default 80
	StatsDeltaNotify float64       // perSecond delta that triggers emission; default 5
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = 80
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = 80
	}
	if c.StatsDeltaNotify <= 0 {
		c.StatsDeltaNotify = 5
	}
	return c
}

// Detector samples state on a fixed tick and emits typed broadcasts only on
// meaningful transitions (§4.5).
type Detector struct {
	cfg           Config
	broadcaster   Broadcaster
	statusSampler StatusSampler
	statsSampler  StatsSampler
	healthChecks  []HealthCheck
	logger        zerolog.Logger

	mu              sync.Mutex
	lastStatus      *StatusSample
	lastStats       *StatsSample
	healthLevels    map[string]healthLevel
	firstStatusDone bool

	stopCh chan struct{}
}

// New creates a Detector; call Run to start its sampling loop.
func New(cfg Config, broadcaster Broadcaster, statusSampler StatusSampler, statsSampler StatsSampler, healthChecks []HealthCheck, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:           cfg.withDefaults(),
		broadcaster:   broadcaster,
		statusSampler: statusSampler,
		statsSampler:  statsSampler,
		healthChecks:  healthChecks,
		logger:        logger.With().Str("component", "detector").Logger(),
		healthLevels:  make(map[string]healthLevel),
		stopCh:        make(chan struct{}),
	}
}

// Run starts the sampling loop; blocks until Stop is called.
func (d *Detector) Run() {
	ticker := time.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// Stop ends the sampling loop.
func (d *Detector) Stop() {
	close(d.stopCh)
}

// ForceStatusBroadcast resets the last status sample so the next tick
// re-emits unconditionally (§4.5 manual override hook).
func (d *Detector) ForceStatusBroadcast() {
	d.mu.Lock()
	d.lastStatus = nil
	d.firstStatusDone = false
	d.mu.Unlock()
}

// ForceStatsBroadcast resets the last stats sample.
func (d *Detector) ForceStatsBroadcast() {
	d.mu.Lock()
	d.lastStats = nil
	d.mu.Unlock()
}

func (d *Detector) tick() {
	if d.statusSampler != nil {
		if sample, ok := d.statusSampler(); ok {
			d.diffStatus(sample)
		}
		// A missing sample is treated as "no change" (§4.5 tolerance).
	}
	if d.statsSampler != nil {
		if sample, ok := d.statsSampler(); ok {
			d.diffStats(sample)
		}
	}
	for _, hc := range d.healthChecks {
		if hc.Sample == nil {
			continue
		}
		if value, ok := hc.Sample(); ok {
			d.diffHealth(hc, value)
		}
	}
}

func (d *Detector) diffStatus(sample StatusSample) {
	d.mu.Lock()
	last := d.lastStatus
	firstDone := d.firstStatusDone
	d.lastStatus = &sample
	d.firstStatusDone = true
	d.mu.Unlock()

	if last == nil {
		if !firstDone {
			// First sample after startup: broadcast unconditionally at
			// normal priority with a synthetic "all" change (§4.5).
			d.broadcaster.Broadcast(presencehub.MessageTypeStatus, presencehub.EventStatusUpdate, map[string]interface{}{
				"changes": []Change{{Field: "all", OldValue: nil, NewValue: sample}},
				"status":  sample,
			}, presencehub.PriorityNormal)
		}
		return
	}

	changes := diffStatusFields(*last, sample)
	if len(changes) == 0 {
		return
	}

	priority := priorityForStatusChanges(*last, sample, changes, d.cfg.CPUThreshold, d.cfg.MemoryThreshold)
	d.broadcaster.Broadcast(presencehub.MessageTypeStatus, presencehub.EventStatusUpdate, map[string]interface{}{
		"changes": changes,
		"status":  sample,
	}, priority)
}

func diffStatusFields(old, next StatusSample) []Change {
	var changes []Change
	if old.CPUPercent != next.CPUPercent {
		delta := next.CPUPercent - old.CPUPercent
		changes = append(changes, Change{Field: "cpu", OldValue: old.CPUPercent, NewValue: next.CPUPercent, Delta: &delta})
	}
	if old.MemoryPercent != next.MemoryPercent {
		delta := next.MemoryPercent - old.MemoryPercent
		changes = append(changes, Change{Field: "memory", OldValue: old.MemoryPercent, NewValue: next.MemoryPercent, Delta: &delta})
	}
	if old.DiskPercent != next.DiskPercent {
		delta := next.DiskPercent - old.DiskPercent
		changes = append(changes, Change{Field: "disk", OldValue: old.DiskPercent, NewValue: next.DiskPercent, Delta: &delta})
	}
	if old.ActiveConnections != next.ActiveConnections {
		changes = append(changes, Change{Field: "activeConnections", OldValue: old.ActiveConnections, NewValue: next.ActiveConnections})
	}
	if old.Online != next.Online {
		changes = append(changes, Change{Field: "online", OldValue: old.Online, NewValue: next.Online})
	}
	return changes
}

// priorityForStatusChanges implements §4.5's priority rule: high if a
// critical field (cpu/memory) crosses above its threshold, normal if more
// than three fields changed, low otherwise.
func priorityForStatusChanges(old, next StatusSample, changes []Change, cpuThreshold, memThreshold float64) presencehub.Priority {
	crossedCPU := old.CPUPercent <= cpuThreshold && next.CPUPercent > cpuThreshold
	crossedMem := old.MemoryPercent <= memThreshold && next.MemoryPercent > memThreshold
	if crossedCPU || crossedMem {
		return presencehub.PriorityHigh
	}
	if len(changes) > 3 {
		return presencehub.PriorityNormal
	}
	return presencehub.PriorityLow
}

func (d *Detector) diffStats(sample StatsSample) {
	d.mu.Lock()
	last := d.lastStats
	d.lastStats = &sample
	d.mu.Unlock()

	if last == nil {
		return
	}

	perSecondDelta := sample.RequestsPerSecond - last.RequestsPerSecond
	if perSecondDelta < 0 {
		perSecondDelta = -perSecondDelta
	}
	totalChanged := sample.RequestsTotal != last.RequestsTotal

	if perSecondDelta <= d.cfg.StatsDeltaNotify && !totalChanged {
		return
	}

	d.broadcaster.Broadcast(presencehub.MessageTypeStats, presencehub.EventStatsUpdate, map[string]interface{}{
		"requests": map[string]interface{}{
			"perSecond": sample.RequestsPerSecond,
			"total":     sample.RequestsTotal,
		},
	}, presencehub.PriorityNormal)
}

func (d *Detector) diffHealth(hc HealthCheck, value float64) {
	level := classify(value, hc.Threshold)

	d.mu.Lock()
	last, seen := d.healthLevels[hc.Name]
	d.healthLevels[hc.Name] = level
	d.mu.Unlock()

	if seen && last == level {
		return // no event while the level is unchanged
	}
	if !seen && level == levelInfo {
		return // first observation already healthy: no event
	}

	data := map[string]interface{}{
		"component": hc.Name,
		"level":     level.String(),
		"value":     value,
		"threshold": hc.Threshold,
	}

	if level != levelInfo {
		priority := presencehub.PriorityNormal
		if level == levelCritical {
			priority = presencehub.PriorityHigh
			d.broadcaster.BroadcastUrgent(presencehub.MessageTypeHealth, presencehub.EventHealthAlert, data)
			return
		}
		d.broadcaster.Broadcast(presencehub.MessageTypeHealth, presencehub.EventHealthAlert, data, priority)
		return
	}

	// level == info and previously non-info: transition back to healthy.
	d.broadcaster.Broadcast(presencehub.MessageTypeHealth, presencehub.EventHealthRecovery, data, presencehub.PriorityNormal)
}

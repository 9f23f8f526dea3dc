// Package metrics wraps the Registry's and Scheduler's stats with Prometheus
// collectors for the Gateway's /metrics endpoint. This is additive
// observability (SPEC_FULL.md's ambient stack): it never changes registry or
// scheduler semantics, only exposes them, grounded on the pack's common
// prometheus/client_golang usage (Oguri-Dev-omniapi-iot-platform,
// 99souls-ariadne, clambin-iss-exporter).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistrySource is the narrow Registry surface metrics needs.
type RegistrySource interface {
	Stats() (total int, uniqueIdentities int, averageSubscriptions float64)
}

// SchedulerSource is the narrow Scheduler surface metrics needs.
type SchedulerSource interface {
	QueueStats() (length int, isProcessing bool)
}

// Collectors registers and holds every hub gauge/counter.
type Collectors struct {
	ConnectionsTotal     prometheus.Gauge
	UniqueIdentities     prometheus.Gauge
	AverageSubscriptions prometheus.Gauge
	QueueLength          prometheus.Gauge
	QueueProcessing      prometheus.Gauge
	BroadcastsEmitted    prometheus.Counter
	BroadcastsRejected   prometheus.Counter
}

// New creates and registers the hub's collectors against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ConnectionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presencehub",
			Subsystem: "registry",
			Name:      "connections_total",
			Help:      "Currently registered connections.",
		}),
		UniqueIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presencehub",
			Subsystem: "registry",
			Name:      "unique_identities",
			Help:      "Distinct identities with at least one live connection.",
		}),
		AverageSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presencehub",
			Subsystem: "registry",
			Name:      "average_subscriptions",
			Help:      "Mean subscription-set size across live connections.",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presencehub",
			Subsystem: "scheduler",
			Name:      "queue_length",
			Help:      "Current broadcast queue depth.",
		}),
		QueueProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presencehub",
			Subsystem: "scheduler",
			Name:      "queue_processing",
			Help:      "1 while a drain batch is in flight, else 0.",
		}),
		BroadcastsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presencehub",
			Subsystem: "scheduler",
			Name:      "broadcasts_emitted_total",
			Help:      "Envelopes successfully handed to a recipient socket.",
		}),
		BroadcastsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presencehub",
			Subsystem: "scheduler",
			Name:      "broadcasts_rejected_total",
			Help:      "Tasks rejected by the bounded-queue displacement rule.",
		}),
	}

	reg.MustRegister(
		c.ConnectionsTotal,
		c.UniqueIdentities,
		c.AverageSubscriptions,
		c.QueueLength,
		c.QueueProcessing,
		c.BroadcastsEmitted,
		c.BroadcastsRejected,
	)
	return c
}

// ObserveEmitted records one envelope successfully handed to a recipient
// socket. It satisfies scheduler.BroadcastMetrics.
func (c *Collectors) ObserveEmitted() {
	c.BroadcastsEmitted.Inc()
}

// ObserveRejected records one task rejected by the bounded-queue
// displacement rule. It satisfies scheduler.BroadcastMetrics.
func (c *Collectors) ObserveRejected() {
	c.BroadcastsRejected.Inc()
}

// Sample pulls current values from the given sources into the gauges. The
// gateway calls this on a 5-second timer rather than wiring push updates
// into the registry/scheduler hot paths.
func (c *Collectors) Sample(reg RegistrySource, sched SchedulerSource) {
	total, unique, avg := reg.Stats()
	c.ConnectionsTotal.Set(float64(total))
	c.UniqueIdentities.Set(float64(unique))
	c.AverageSubscriptions.Set(avg)

	length, processing := sched.QueueStats()
	c.QueueLength.Set(float64(length))
	if processing {
		c.QueueProcessing.Set(1)
	} else {
		c.QueueProcessing.Set(0)
	}
}

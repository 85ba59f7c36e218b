package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initOutboxMetrics(cfg Config) {
	m.outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox records published by message type",
		},
		[]string{"message_type"},
	)

	m.outboxFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Total number of failed outbox publish attempts by message type",
		},
		[]string{"message_type"},
	)

	m.outboxArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_archived_total",
			Help: "Total number of published outbox records moved to the archive",
		},
	)

	m.outboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_depth",
			Help: "Number of pending outbox records observed by the last drain cycle",
		},
	)

	m.outboxDrain = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_drain_cycle_seconds",
			Help:    "Outbox drain cycle duration in seconds",
			Buckets: cfg.DrainCycleBuckets,
		},
	)

	m.registry.MustRegister(m.outboxPublished)
	m.registry.MustRegister(m.outboxFailures)
	m.registry.MustRegister(m.outboxArchived)
	m.registry.MustRegister(m.outboxPending)
	m.registry.MustRegister(m.outboxDrain)
}

// RecordPublished records one successfully published outbox record.
func (m *Manager) RecordPublished(messageType string) {
	if !m.enabled {
		return
	}
	m.outboxPublished.WithLabelValues(messageType).Inc()
}

// RecordPublishFailure records one failed outbox publish attempt.
func (m *Manager) RecordPublishFailure(messageType string) {
	if !m.enabled {
		return
	}
	m.outboxFailures.WithLabelValues(messageType).Inc()
}

// RecordArchived records published records moved to the archive.
func (m *Manager) RecordArchived(count int) {
	if !m.enabled {
		return
	}
	m.outboxArchived.Add(float64(count))
}

// ObservePendingDepth records the pending backlog seen by a drain cycle.
func (m *Manager) ObservePendingDepth(depth int) {
	if !m.enabled {
		return
	}
	m.outboxPending.Set(float64(depth))
}

// ObserveDrainCycle records the duration of one drain cycle.
func (m *Manager) ObserveDrainCycle(duration time.Duration) {
	if !m.enabled {
		return
	}
	m.outboxDrain.Observe(duration.Seconds())
}

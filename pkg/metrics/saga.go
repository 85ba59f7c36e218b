package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sagaweave/sagaweave/pkg/saga"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Total number of finished sagas by type and terminal status",
		},
		[]string{"saga_type", "status"},
	)

	m.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga execution duration in seconds",
			Buckets: cfg.SagaDurationBuckets,
		},
		[]string{"saga_type", "status"},
	)

	m.sagaActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_active_count",
			Help: "Current number of active saga instances",
		},
	)

	m.eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_events_processed_total",
			Help: "Total number of processed events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	m.conflictRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_conflict_retries_total",
			Help: "Total number of optimistic concurrency conflict retries",
		},
	)

	m.registry.MustRegister(m.sagaExecutions)
	m.registry.MustRegister(m.sagaDuration)
	m.registry.MustRegister(m.sagaActive)
	m.registry.MustRegister(m.eventsProcessed)
	m.registry.MustRegister(m.conflictRetries)
}

func (m *Manager) initCompensationMetrics(cfg Config) {
	m.compensationSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensation_steps_total",
			Help: "Total number of compensated steps by saga type, step and outcome",
		},
		[]string{"saga_type", "step", "outcome"},
	)

	m.compensationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensation_runs_total",
			Help: "Total number of compensation phases by saga type and status",
		},
		[]string{"saga_type", "status"},
	)

	m.compensationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saga_compensation_duration_seconds",
			Help:    "Compensation phase duration in seconds",
			Buckets: cfg.CompensationDurationBuckets,
		},
	)

	m.registry.MustRegister(m.compensationSteps)
	m.registry.MustRegister(m.compensationRuns)
	m.registry.MustRegister(m.compensationDuration)
}

// RecordEventProcessed records one routed event and its routing outcome.
func (m *Manager) RecordEventProcessed(eventType, outcome string) {
	if !m.enabled {
		return
	}
	m.eventsProcessed.WithLabelValues(eventType, outcome).Inc()
}

// RecordSagaStarted records a newly started saga instance.
func (m *Manager) RecordSagaStarted(sagaType string) {
	if !m.enabled {
		return
	}
	m.sagaActive.Inc()
}

// RecordSagaFinished records a saga reaching a terminal status.
func (m *Manager) RecordSagaFinished(sagaType string, status saga.Status, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaActive.Dec()
	m.sagaExecutions.WithLabelValues(sagaType, status.String()).Inc()
	m.sagaDuration.WithLabelValues(sagaType, status.String()).Observe(duration.Seconds())
}

// RecordConflictRetry records one optimistic concurrency retry.
func (m *Manager) RecordConflictRetry() {
	if !m.enabled {
		return
	}
	m.conflictRetries.Inc()
}

// RecordCompensationStep records one compensated step outcome.
func (m *Manager) RecordCompensationStep(sagaType, step, outcome string) {
	if !m.enabled {
		return
	}
	m.compensationSteps.WithLabelValues(sagaType, step, outcome).Inc()
}

// RecordCompensationRun records one finished compensation phase.
func (m *Manager) RecordCompensationRun(sagaType string, status saga.Status, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.compensationRuns.WithLabelValues(sagaType, status.String()).Inc()
	m.compensationDuration.Observe(duration.Seconds())
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initSchedulerMetrics(cfg Config) {
	m.timersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_timeouts_total",
			Help: "Total number of step timeout events fired by step",
		},
		[]string{"step"},
	)

	m.stepsDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_steps_degraded_total",
			Help: "Total number of steps observed past their deadline by step",
		},
		[]string{"step"},
	)

	m.timersArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_timers_armed",
			Help: "Number of step timeout timers currently armed",
		},
	)

	m.registry.MustRegister(m.timersFired)
	m.registry.MustRegister(m.stepsDegraded)
	m.registry.MustRegister(m.timersArmed)
}

// RecordTimerFired records one synthesized step timeout event.
func (m *Manager) RecordTimerFired(stepName string) {
	if !m.enabled {
		return
	}
	m.timersFired.WithLabelValues(stepName).Inc()
}

// RecordDegraded records a step observed past its deadline.
func (m *Manager) RecordDegraded(stepName string) {
	if !m.enabled {
		return
	}
	m.stepsDegraded.WithLabelValues(stepName).Inc()
}

// ObserveArmedTimers records the number of currently armed timers.
func (m *Manager) ObserveArmedTimers(count int) {
	if !m.enabled {
		return
	}
	m.timersArmed.Set(float64(count))
}

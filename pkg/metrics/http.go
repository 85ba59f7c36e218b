package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

func (m *Manager) initHTTPMetrics(cfg Config) {
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: cfg.HTTPDurationBuckets,
		},
		[]string{"method", "path"},
	)

	m.httpConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_active_connections",
			Help: "Current number of in-flight HTTP requests",
		},
	)

	m.registry.MustRegister(m.httpRequests)
	m.registry.MustRegister(m.httpDuration)
	m.registry.MustRegister(m.httpConnections)
}

// RecordHTTPRequest records one finished HTTP request.
func (m *Manager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordHTTPRequestWithContext records one finished HTTP request and, when
// the context carries a sampled span, attaches the trace ID as an exemplar.
func (m *Manager) RecordHTTPRequestWithContext(ctx context.Context, method, path, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() || !spanCtx.IsSampled() {
		m.RecordHTTPRequest(method, path, status, duration)
		return
	}

	exemplar := prometheus.Labels{"trace_id": spanCtx.TraceID().String()}
	counter := m.httpRequests.WithLabelValues(method, path, status)
	if adder, ok := counter.(prometheus.ExemplarAdder); ok {
		adder.AddWithExemplar(1, exemplar)
	} else {
		counter.Inc()
	}
	observer := m.httpDuration.WithLabelValues(method, path)
	if eo, ok := observer.(prometheus.ExemplarObserver); ok {
		eo.ObserveWithExemplar(duration.Seconds(), exemplar)
	} else {
		observer.Observe(duration.Seconds())
	}
}

// IncActiveConnections increments the in-flight request gauge.
func (m *Manager) IncActiveConnections() {
	if !m.enabled {
		return
	}
	m.httpConnections.Inc()
}

// DecActiveConnections decrements the in-flight request gauge.
func (m *Manager) DecActiveConnections() {
	if !m.enabled {
		return
	}
	m.httpConnections.Dec()
}

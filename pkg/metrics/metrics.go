// Package metrics provides Prometheus metrics instrumentation for Sagaweave.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics for Sagaweave.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Saga lifecycle metrics
	sagaExecutions  *prometheus.CounterVec
	sagaDuration    *prometheus.HistogramVec
	sagaActive      prometheus.Gauge
	eventsProcessed *prometheus.CounterVec
	conflictRetries prometheus.Counter

	// Compensation metrics
	compensationSteps    *prometheus.CounterVec
	compensationRuns     *prometheus.CounterVec
	compensationDuration prometheus.Histogram

	// Outbox metrics
	outboxPublished *prometheus.CounterVec
	outboxFailures  *prometheus.CounterVec
	outboxArchived  prometheus.Counter
	outboxPending   prometheus.Gauge
	outboxDrain     prometheus.Histogram

	// Timeout scheduler metrics
	timersFired   *prometheus.CounterVec
	stepsDegraded *prometheus.CounterVec
	timersArmed   prometheus.Gauge

	// HTTP metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	SagaDurationBuckets         []float64
	CompensationDurationBuckets []float64
	DrainCycleBuckets           []float64
	HTTPDurationBuckets         []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Port:    9091,
		Path:    "/metrics",
		SagaDurationBuckets:         []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		CompensationDurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		DrainCycleBuckets:           []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		HTTPDurationBuckets:         []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initSagaMetrics(cfg)
	m.initCompensationMetrics(cfg)
	m.initOutboxMetrics(cfg)
	m.initSchedulerMetrics(cfg)
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server on the configured port.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

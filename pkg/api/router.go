// Package api provides HTTP API server components.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/sagaweave/sagaweave/config"
	"github.com/sagaweave/sagaweave/pkg/api/handlers"
	"github.com/sagaweave/sagaweave/pkg/api/middleware"
	"github.com/sagaweave/sagaweave/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Saga serves saga queries and cancellation
	Saga *handlers.SagaHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// WebSocket streams saga lifecycle events
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	// Register global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	}

	// Add metrics middleware if provided
	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

	// Register routes
	RegisterRoutes(r, handlers)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, handlers *Handlers) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Saga != nil {
			r.Route("/sagas", func(r chi.Router) {
				r.Get("/", handlers.Saga.ListSagas)
				r.Get("/{id}", handlers.Saga.GetSaga)
				r.Get("/{id}/history", handlers.Saga.GetHistory)
				r.Get("/{id}/active-step", handlers.Saga.GetActiveStep)
				r.Get("/{id}/diagram", handlers.Saga.GetDiagram)
				r.Post("/{id}/cancel", handlers.Saga.CancelSaga)
			})
			r.Get("/definitions/{name}/{version}/diagram", handlers.Saga.GetDefinitionDiagram)
		}
	})

	// Websocket event stream
	if handlers.WebSocket != nil {
		r.Get("/ws/events", handlers.WebSocket.ServeHTTP)
	}

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}
}

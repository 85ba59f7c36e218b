// Package handlers provides HTTP request handlers.
package handlers

import (
	"net/http"

	"github.com/sagaweave/sagaweave/pkg/api/response"
)

// HealthChecker reports runtime liveness and readiness.
type HealthChecker interface {
	Healthy() bool
	Ready() bool
	Status() map[string]any
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checker HealthChecker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{
		checker: checker,
	}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.checker.Healthy() {
		response.JSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	} else {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
		})
	}
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.checker.Ready() {
		response.JSON(w, http.StatusOK, map[string]bool{
			"ready": true,
		})
	} else {
		response.JSON(w, http.StatusServiceUnavailable, map[string]bool{
			"ready": false,
		})
	}
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.checker.Status())
}

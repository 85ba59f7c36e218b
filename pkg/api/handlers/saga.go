package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sagaweave/sagaweave/pkg/api/middleware"
	"github.com/sagaweave/sagaweave/pkg/api/models"
	"github.com/sagaweave/sagaweave/pkg/api/response"
	"github.com/sagaweave/sagaweave/pkg/coordinator"
	"github.com/sagaweave/sagaweave/pkg/correlation"
	"github.com/sagaweave/sagaweave/pkg/inspect"
	"github.com/sagaweave/sagaweave/pkg/logger"
	"github.com/sagaweave/sagaweave/pkg/saga"
	"github.com/sagaweave/sagaweave/pkg/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Canceller cancels a running saga by ID.
type Canceller interface {
	Cancel(ctx context.Context, sagaID, reason string) error
}

// SagaHandler serves read-only saga views and manual cancellation.
type SagaHandler struct {
	inspector *inspect.Inspector
	canceller Canceller
	logger    logger.Logger
	validator *validator.Validate
}

// NewSagaHandler creates a saga handler. canceller may be nil, in which case
// the cancel endpoint answers 503.
func NewSagaHandler(inspector *inspect.Inspector, canceller Canceller, log logger.Logger) *SagaHandler {
	return &SagaHandler{
		inspector: inspector,
		canceller: canceller,
		logger:    log,
		validator: validator.New(),
	}
}

// ListSagas handles GET /api/v1/sagas.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	filter := correlation.ListFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := saga.ParseStatus(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "unknown status: "+raw, getRequestID(r.Context()))
			return
		}
		filter.Status = &status
	}

	entries, err := h.inspector.List(filter)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	items := make([]models.SagaSummary, 0, len(entries))
	for _, entry := range entries {
		items = append(items, models.SagaSummary{
			SagaID:        entry.SagaID,
			SagaType:      entry.SagaType.String(),
			Status:        entry.Status.String(),
			CorrelationID: entry.CorrelationID,
			StartedAt:     entry.StartedAt,
			CompletedAt:   entry.CompletedAt,
		})
	}

	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items:  items,
		Count:  len(items),
		Limit:  limit,
		Offset: offset,
	})
}

// GetSaga handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", getRequestID(r.Context()))
		return
	}

	state, err := h.inspector.GetState(r.Context(), sagaID)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, stateResponse(state))
}

// GetHistory handles GET /api/v1/sagas/{id}/history.
func (h *SagaHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", getRequestID(r.Context()))
		return
	}

	history, err := h.inspector.GetHistory(r.Context(), sagaID)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, stepRecords(history))
}

// GetActiveStep handles GET /api/v1/sagas/{id}/active-step.
func (h *SagaHandler) GetActiveStep(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", getRequestID(r.Context()))
		return
	}

	step, err := h.inspector.GetActiveStep(r.Context(), sagaID)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, models.ActiveStepResponse{
		SagaID:     sagaID,
		ActiveStep: step,
	})
}

// GetDiagram handles GET /api/v1/sagas/{id}/diagram. The diagram describes
// the saga's definition, rendered as Mermaid.
func (h *SagaHandler) GetDiagram(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", getRequestID(r.Context()))
		return
	}

	state, err := h.inspector.GetState(r.Context(), sagaID)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	diagram, err := h.inspector.Diagram(state.SagaType)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, models.DiagramResponse{
		SagaType: state.SagaType.String(),
		Format:   "mermaid",
		Diagram:  diagram,
	})
}

// GetDefinitionDiagram handles GET /api/v1/definitions/{name}/{version}/diagram.
func (h *SagaHandler) GetDefinitionDiagram(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if name == "" || err != nil || version < 1 {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "definition name and numeric version are required", getRequestID(r.Context()))
		return
	}

	ref := saga.TypeRef{Name: name, Version: version}
	diagram, err := h.inspector.Diagram(ref)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, models.DiagramResponse{
		SagaType: ref.String(),
		Format:   "mermaid",
		Diagram:  diagram,
	})
}

// CancelSaga handles POST /api/v1/sagas/{id}/cancel.
func (h *SagaHandler) CancelSaga(w http.ResponseWriter, r *http.Request) {
	if h.canceller == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga cancellation unavailable", getRequestID(r.Context()))
		return
	}

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", getRequestID(r.Context()))
		return
	}

	var req models.SagaCancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled via api"
	}

	if err := h.canceller.Cancel(r.Context(), sagaID, reason); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga not found", getRequestID(r.Context()))
		case errors.Is(err, coordinator.ErrSagaTerminal):
			response.Error(w, http.StatusConflict, response.ErrCodeConflict, err.Error(), getRequestID(r.Context()))
		default:
			response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		}
		return
	}

	if h.logger != nil {
		h.logger.Info("saga cancelled via api", "saga_id", sagaID, "reason", reason)
	}
	response.JSON(w, http.StatusAccepted, models.SagaCancelResponse{
		SagaID: sagaID,
		Status: saga.StatusCancelled.String(),
	})
}

func (h *SagaHandler) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga not found", getRequestID(r.Context()))
	case errors.Is(err, saga.ErrDefinitionNotFound):
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga definition not found", getRequestID(r.Context()))
	default:
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
	}
}

func stateResponse(state *saga.State) models.SagaStateResponse {
	return models.SagaStateResponse{
		SagaID:           state.SagaID,
		SagaType:         state.SagaType.String(),
		Status:           state.Status.String(),
		CurrentStepIndex: state.CurrentStepIndex,
		TotalSteps:       state.TotalSteps,
		CorrelationID:    state.CorrelationID,
		TenantID:         state.TenantID,
		StartedAt:        state.StartedAt,
		CompletedAt:      state.CompletedAt,
		Version:          state.Version,
		History:          stepRecords(state.StepHistory),
	}
}

func stepRecords(history []saga.StepExecutionRecord) []models.StepRecord {
	records := make([]models.StepRecord, 0, len(history))
	for _, rec := range history {
		records = append(records, models.StepRecord{
			StepName:    rec.StepName,
			Kind:        string(rec.Kind),
			Outcome:     string(rec.Outcome),
			Attempts:    rec.Attempts,
			Reason:      rec.Reason,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
		})
	}
	return records
}

func getRequestID(ctx context.Context) string {
	return middleware.GetRequestID(ctx)
}

package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJSON_WritesBodyAndContentType(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]any{
		"saga_id": "saga-1",
		"status":  "running",
		"version": 3,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["saga_id"] != "saga-1" || body["status"] != "running" {
		t.Errorf("body = %v", body)
	}
}

func TestJSON_NilDataWritesStatusOnly(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusNoContent, nil)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestError_EnvelopeRoundTrips(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, ErrCodeNotFound, "saga not found", "req-12")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}

	var envelope ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != ErrCodeNotFound {
		t.Errorf("code = %q", envelope.Error.Code)
	}
	if envelope.Error.Message != "saga not found" {
		t.Errorf("message = %q", envelope.Error.Message)
	}
	if envelope.Error.RequestID != "req-12" {
		t.Errorf("request_id = %q", envelope.Error.RequestID)
	}
}

func TestError_ConflictEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusConflict, ErrCodeConflict, "saga version changed during cancel", "req-31")

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
	var envelope ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != ErrCodeConflict {
		t.Errorf("code = %q", envelope.Error.Code)
	}
}

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sagaweave/sagaweave/pkg/api/response"
)

func TestRecovery_PassesThroughWithoutPanic(t *testing.T) {
	log := &recordingLogger{}
	handler := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"sagas":[]}`))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sagas", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if entries := log.take(); len(entries) != 0 {
		t.Fatalf("unexpected log records: %+v", entries)
	}
}

func TestRecovery_ConvertsPanicTo500(t *testing.T) {
	log := &recordingLogger{}
	handler := RequestID()(Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("store unreachable: badger closed")
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/saga-3", nil)
	req.Header.Set(RequestIDHeader, "req-77")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	var errResp response.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if errResp.Error.Code != response.ErrCodeInternalServer {
		t.Errorf("error code = %v", errResp.Error.Code)
	}
	if errResp.Error.RequestID != "req-77" {
		t.Errorf("request id = %v, want req-77", errResp.Error.RequestID)
	}
	// The panic value must not leak into the client response.
	if strings.Contains(w.Body.String(), "badger") {
		t.Errorf("panic detail leaked into response: %s", w.Body.String())
	}

	entries := log.take()
	if len(entries) != 1 || entries[0].level != "error" {
		t.Fatalf("expected one error record, got %+v", entries)
	}
	if entries[0].fields["panic"] != "store unreachable: badger closed" {
		t.Errorf("panic field = %v", entries[0].fields["panic"])
	}
	if stack, _ := entries[0].fields["stack"].(string); stack == "" {
		t.Error("stack missing from panic record")
	}
}

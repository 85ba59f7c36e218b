package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sagaweave/sagaweave/pkg/api/response"
)

func TestTimeout_FastHandlerUnaffected(t *testing.T) {
	handler := Timeout(200 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"running"}`))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sagas/saga-1", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != `{"status":"running"}` {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestTimeout_SlowHandlerGets504(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	handler := Timeout(30 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a saga query stuck on the store until the test ends.
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/saga-2/history", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	var errResp response.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if errResp.Error.Code != response.ErrCodeGatewayTimeout {
		t.Errorf("error code = %v", errResp.Error.Code)
	}
}

func TestTimeout_HandlerSeesDeadline(t *testing.T) {
	var hadDeadline bool
	handler := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sagas", nil))
	if !hadDeadline {
		t.Fatal("handler context carries no deadline")
	}
}

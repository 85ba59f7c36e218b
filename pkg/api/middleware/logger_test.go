package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sagaweave/sagaweave/pkg/logger"
)

// recordingLogger collects log calls so middleware tests can assert on the
// emitted records instead of parsing stdout.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]any
}

func (l *recordingLogger) record(level, msg string, args []any) {
	fields := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
	l.mu.Unlock()
}

func (l *recordingLogger) take() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l *recordingLogger) DebugContext(_ context.Context, msg string, args ...any) {
	l.record("debug", msg, args)
}

func (l *recordingLogger) InfoContext(_ context.Context, msg string, args ...any) {
	l.record("info", msg, args)
}

func (l *recordingLogger) WarnContext(_ context.Context, msg string, args ...any) {
	l.record("warn", msg, args)
}

func (l *recordingLogger) ErrorContext(_ context.Context, msg string, args ...any) {
	l.record("error", msg, args)
}

func (l *recordingLogger) With(args ...any) logger.Logger { return l }
func (l *recordingLogger) SetLevel(logger.Level)          {}
func (l *recordingLogger) Level() logger.Level            { return logger.DebugLevel }
func (l *recordingLogger) Close() error                   { return nil }

func TestLogger_RecordsRequest(t *testing.T) {
	log := &recordingLogger{}
	handler := RequestID()(Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"saga_id":"saga-1"}`))
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sagas", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}

	entries := log.take()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log record, got %d", len(entries))
	}
	entry := entries[0]
	if entry.level != "info" || entry.msg != "http request" {
		t.Errorf("entry = %s %q", entry.level, entry.msg)
	}
	if entry.fields["method"] != http.MethodPost || entry.fields["path"] != "/api/v1/sagas" {
		t.Errorf("request identity fields = %v", entry.fields)
	}
	if entry.fields["status"] != http.StatusCreated {
		t.Errorf("status field = %v", entry.fields["status"])
	}
	if size, ok := entry.fields["size"].(int); !ok || size == 0 {
		t.Errorf("size field = %v", entry.fields["size"])
	}
	if entry.fields["request_id"] == "" {
		t.Error("request_id missing from access log record")
	}
}

func TestLogger_ServerErrorsLogAtErrorLevel(t *testing.T) {
	log := &recordingLogger{}
	handler := Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/saga-9", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := log.take()
	if len(entries) != 1 {
		t.Fatalf("expected 1 record, got %d", len(entries))
	}
	if entries[0].level != "error" {
		t.Errorf("level = %s, want error for a 500 response", entries[0].level)
	}
}

func TestLogger_ClientErrorsStayAtInfo(t *testing.T) {
	log := &recordingLogger{}
	handler := Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/unknown", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := log.take()
	if len(entries) != 1 || entries[0].level != "info" {
		t.Fatalf("expected one info record for a 404, got %+v", entries)
	}
	if entries[0].fields["status"] != http.StatusNotFound {
		t.Errorf("status field = %v", entries[0].fields["status"])
	}
}

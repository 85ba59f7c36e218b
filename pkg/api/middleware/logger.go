// Package middleware provides the HTTP middleware chain of the saga API:
// request IDs, access logging, panic recovery, CORS, per-request timeouts,
// tracing and metrics.
package middleware

import (
	"net/http"
	"time"

	"github.com/sagaweave/sagaweave/pkg/logger"
)

// responseWriter captures the status code and body size of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Logger returns an access-log middleware. Each finished request emits one
// record carrying the request ID and, via the context-aware logger, the
// trace ID of the request span. Server errors log at error level so they
// stand out without a metrics dashboard.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", wrapped.size,
				"remote_addr", r.RemoteAddr,
			}
			if requestID := GetRequestID(r.Context()); requestID != "" {
				fields = append(fields, "request_id", requestID)
			}

			if wrapped.statusCode >= http.StatusInternalServerError {
				log.ErrorContext(r.Context(), "http request", fields...)
				return
			}
			log.InfoContext(r.Context(), "http request", fields...)
		})
	}
}

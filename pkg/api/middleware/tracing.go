package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "sagaweave.http"

// TracingOptions tunes the HTTP tracing middleware.
type TracingOptions struct {
	// SkipPaths names endpoints that never get a span. Probes hit health
	// endpoints every few seconds and would drown the real traffic.
	SkipPaths map[string]struct{}
}

// DefaultTracingOptions skips the health and readiness probes.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{
		SkipPaths: map[string]struct{}{
			"/health": {},
			"/ready":  {},
		},
	}
}

// Tracing opens a server span per request, continuing any trace context
// the caller propagated in the W3C headers. The span is named after the
// chi route pattern once the router has resolved it, keeping saga IDs out
// of span names.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := opts.SkipPaths[strings.TrimSpace(r.URL.Path)]; skip {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			)

			wrapped := &tracingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(wrapped, r)

			span.SetAttributes(
				attribute.String("http.route", routePattern(r)),
				attribute.Int("http.response.status_code", wrapped.statusCode),
			)
			if wrapped.statusCode >= http.StatusBadRequest {
				span.SetStatus(otelcodes.Error, http.StatusText(wrapped.statusCode))
			} else {
				span.SetStatus(otelcodes.Ok, http.StatusText(wrapped.statusCode))
			}
		})
	}
}

// routePattern prefers chi's resolved pattern ("/api/v1/sagas/{id}") over
// the raw path, which would explode span cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := strings.TrimSpace(rc.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *tracingResponseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *tracingResponseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

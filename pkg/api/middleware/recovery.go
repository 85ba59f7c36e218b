package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sagaweave/sagaweave/pkg/api/response"
	"github.com/sagaweave/sagaweave/pkg/logger"
)

// Recovery returns a middleware that turns handler panics into 500
// responses. The panic value and stack go to the log only; the client
// gets a generic message so internals never leak into responses.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				requestID := GetRequestID(r.Context())
				log.ErrorContext(r.Context(), "panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestID,
					"stack", string(debug.Stack()),
				)

				if requestID == "" {
					requestID = "unknown"
				}
				response.Error(w,
					http.StatusInternalServerError,
					response.ErrCodeInternalServer,
					"Internal server error",
					requestID,
				)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/sagaweave/sagaweave/pkg/api/response"
)

// Timeout returns a middleware that bounds how long a handler may run.
// The handler sees a context that expires after the given duration; if it
// has not finished by then the client gets a 504 and the handler's late
// writes are dropped.
func Timeout(limit time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), limit)
			defer cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(w, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				requestID := GetRequestID(r.Context())
				if requestID == "" {
					requestID = "unknown"
				}
				response.Error(w,
					http.StatusGatewayTimeout,
					response.ErrCodeGatewayTimeout,
					"Request timed out",
					requestID,
				)
			}
		})
	}
}

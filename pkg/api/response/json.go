// Package response writes the saga API's JSON responses in one shape, so
// handlers never hand-roll envelopes.
package response

import (
	"encoding/json"
	"net/http"
)

// JSON writes data as a JSON body with the given status. A nil data writes
// the status line only.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data == nil {
		return
	}
	// Headers are already out; an encode failure here can only be noted
	// in the body.
	if err := json.NewEncoder(w).Encode(data); err != nil {
		_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL_SERVER_ERROR","message":"response encoding failed"}}`))
	}
}

// Error writes the standard error envelope.
func Error(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	JSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	})
}

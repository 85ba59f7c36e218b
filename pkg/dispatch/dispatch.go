// Package dispatch defines the messaging contracts the saga engine consumes:
// inbound domain events, outbound messages, the publishing dispatcher and the
// per-message context carried alongside each delivery.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNilMessage is returned when a nil or empty message is published.
var ErrNilMessage = errors.New("dispatch: message id cannot be empty")

// Event is one inbound domain event handed to the coordinator.
type Event struct {
	MessageID     string            `json:"message_id"`
	Type          string            `json:"type"`
	SagaID        string            `json:"saga_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// Message is one outbound command or event emitted by a saga step.
type Message struct {
	MessageID     string            `json:"message_id"`
	Type          string            `json:"type"`
	SagaID        string            `json:"saga_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Dispatcher publishes outbound messages with at-least-once delivery.
// Consumers must dedup on MessageID.
type Dispatcher interface {
	Publish(ctx context.Context, msg Message) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, msg Message) error

// Publish calls the wrapped function.
func (f DispatcherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// MessageContext carries the correlation, tenancy and tracing values that
// accompany a delivery. Trace headers are opaque to the engine; the dispatch
// pipeline's propagator owns their format (W3C traceparent/tracestate or B3).
type MessageContext struct {
	CorrelationID string
	TenantID      string
	Traceparent   string
	Tracestate    string
}

type messageContextKey struct{}

// WithMessageContext attaches a message context to ctx.
func WithMessageContext(ctx context.Context, mc MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}

// MessageContextFrom extracts the message context, if any.
func MessageContextFrom(ctx context.Context) (MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(MessageContext)
	return mc, ok
}

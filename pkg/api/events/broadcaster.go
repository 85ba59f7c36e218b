// Package events fans saga lifecycle events out to in-process subscribers,
// which back the websocket status stream.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sagaweave/sagaweave/pkg/outbox"
	"github.com/sagaweave/sagaweave/pkg/saga"
	"github.com/sagaweave/sagaweave/pkg/store"
)

// Event is the canonical event payload broadcast to websocket subscribers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Broadcaster broadcasts events to in-process subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe subscribes to events with a buffered channel.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Broadcast broadcasts a generic event to all subscribers.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]chan Event, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Drop on overflow to keep broadcasters non-blocking.
		}
	}
}

// BroadcastStatusChanged emits a saga status change event.
func (b *Broadcaster) BroadcastStatusChanged(
	sagaID string, sagaType saga.TypeRef, status saga.Status, version uint64,
	updatedAt time.Time,
) {
	b.Broadcast(Event{
		Type: "saga.status_changed",
		Payload: map[string]any{
			"saga_id":    sagaID,
			"saga_type":  sagaType.String(),
			"status":     status.String(),
			"version":    version,
			"updated_at": updatedAt.UTC().Format(time.RFC3339Nano),
		},
	})
}

// BroadcastStepFinished emits a step completion event.
func (b *Broadcaster) BroadcastStepFinished(
	sagaID, stepName string, kind saga.RecordKind, outcome saga.RecordOutcome, reason string,
	updatedAt time.Time,
) {
	payload := map[string]any{
		"saga_id":    sagaID,
		"step_name":  stepName,
		"kind":       string(kind),
		"outcome":    string(outcome),
		"updated_at": updatedAt.UTC().Format(time.RFC3339Nano),
	}
	if reason != "" {
		payload["reason"] = reason
	}

	b.Broadcast(Event{
		Type:    "saga.step_finished",
		Payload: payload,
	})
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// BroadcastingStore decorates a state store so every committed mutation is
// announced to subscribers. Load and the other reads pass straight through.
type BroadcastingStore struct {
	store.StateStore
	broadcaster *Broadcaster
}

// NewBroadcastingStore wraps inner with lifecycle broadcasting.
func NewBroadcastingStore(inner store.StateStore, b *Broadcaster) *BroadcastingStore {
	return &BroadcastingStore{
		StateStore:  inner,
		broadcaster: b,
	}
}

// Save commits through the inner store and broadcasts on success.
func (s *BroadcastingStore) Save(ctx context.Context, state *saga.State, expectedVersion uint64, batch []outbox.Record) (uint64, error) {
	version, err := s.StateStore.Save(ctx, state, expectedVersion, batch)
	if err != nil {
		return version, err
	}

	now := time.Now().UTC()
	s.broadcaster.BroadcastStatusChanged(state.SagaID, state.SagaType, state.Status, version, now)
	if rec := latestClosedRecord(state); rec != nil {
		s.broadcaster.BroadcastStepFinished(state.SagaID, rec.StepName, rec.Kind, rec.Outcome, rec.Reason, now)
	}
	return version, nil
}

func latestClosedRecord(state *saga.State) *saga.StepExecutionRecord {
	for i := len(state.StepHistory) - 1; i >= 0; i-- {
		rec := &state.StepHistory[i]
		if rec.CompletedAt != nil {
			return rec
		}
	}
	return nil
}

package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sagaweave/sagaweave/pkg/clock"
	"github.com/sagaweave/sagaweave/pkg/logger"
	"github.com/sagaweave/sagaweave/pkg/outbox"
	"github.com/sagaweave/sagaweave/pkg/saga"
	"github.com/sagaweave/sagaweave/pkg/store"
)

// DefaultSnapshotInterval snapshots a stream every N events; 0 disables
// snapshots.
const DefaultSnapshotInterval = 50

// SourcedOption configures a SourcedStateStore.
type SourcedOption func(*SourcedStateStore)

// WithSnapshotInterval sets how many stream events accumulate between
// snapshots. 0 disables snapshotting.
func WithSnapshotInterval(n int) SourcedOption {
	return func(s *SourcedStateStore) { s.interval = n }
}

// WithStreamPrefix overrides the stream name prefix.
func WithStreamPrefix(prefix string) SourcedOption {
	return func(s *SourcedStateStore) { s.prefix = prefix }
}

// WithClock sets the clock used for event timestamps and IDs.
func WithClock(clk clock.Clock) SourcedOption {
	return func(s *SourcedStateStore) { s.clk = clk }
}

// WithSourcedLogger sets the logger.
func WithSourcedLogger(log logger.Logger) SourcedOption {
	return func(s *SourcedStateStore) { s.logg = log }
}

// SourcedStateStore wraps a StateStore and journals every commit into an
// event stream. Each save appends the step records the commit added plus a
// closing StateTransitioned event, so replaying the stream reproduces the
// persisted state exactly.
type SourcedStateStore struct {
	inner    store.StateStore
	log      Log
	snaps    SnapshotStore
	registry *DecoderRegistry
	clk      clock.Clock
	logg     logger.Logger
	prefix   string
	interval int
}

// NewSourcedStateStore wraps inner with event journaling.
func NewSourcedStateStore(inner store.StateStore, log Log, snaps SnapshotStore, opts ...SourcedOption) *SourcedStateStore {
	s := &SourcedStateStore{
		inner:    inner,
		log:      log,
		snaps:    snaps,
		registry: NewDecoderRegistry(),
		clk:      clock.System(),
		logg:     logger.Global(),
		prefix:   DefaultStreamPrefix,
		interval: DefaultSnapshotInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry exposes the decoder registry for custom event types.
func (s *SourcedStateStore) Registry() *DecoderRegistry {
	return s.registry
}

// Load returns the saga state from the wrapped store.
func (s *SourcedStateStore) Load(ctx context.Context, sagaID string) (*saga.State, error) {
	return s.inner.Load(ctx, sagaID)
}

// Replay rebuilds the saga state from its event stream alone, bypassing the
// wrapped store. Recovery and consistency checks use it.
func (s *SourcedStateStore) Replay(ctx context.Context, sagaID string) (*saga.State, error) {
	return Rebuild(ctx, s.log, s.snaps, s.registry, StreamID(s.prefix, sagaID))
}

// Save commits through the wrapped store, then journals the commit.
func (s *SourcedStateStore) Save(ctx context.Context, state *saga.State, expectedVersion uint64, batch []outbox.Record) (uint64, error) {
	var old *saga.State
	if expectedVersion > 0 {
		loaded, err := s.inner.Load(ctx, state.SagaID)
		if err != nil {
			return 0, err
		}
		old = loaded
	}

	events, err := s.deriveEvents(state, old, expectedVersion)
	if err != nil {
		return 0, err
	}

	newVersion, err := s.inner.Save(ctx, state, expectedVersion, batch)
	if err != nil {
		return 0, err
	}

	if err := s.appendEvents(ctx, state, events); err != nil {
		// The state committed; a journal gap is recoverable from the store
		// but must be loud.
		s.logg.Error("event journal append failed after commit",
			"saga_id", state.SagaID, "error", err)
		return newVersion, err
	}
	return newVersion, nil
}

func (s *SourcedStateStore) deriveEvents(state, old *saga.State, expectedVersion uint64) ([]EventData, error) {
	now := s.clk.Now()
	var events []EventData

	if expectedVersion == 0 {
		body, err := s.encode(SagaStarted{
			SagaID:        state.SagaID,
			SagaType:      state.SagaType,
			CorrelationID: state.CorrelationID,
			TenantID:      state.TenantID,
			Payload:       state.Payload,
			TotalSteps:    state.TotalSteps,
			StartedAt:     state.StartedAt,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, EventData{
			EventID: clock.NewEventID(), Type: TypeSagaStarted, OccurredAt: now, Body: body,
		})
	}

	seen := 0
	if old != nil {
		seen = len(old.StepHistory)
	}
	for _, rec := range state.StepHistory[seen:] {
		var (
			eventType string
			payload   any
		)
		switch {
		case rec.Kind == saga.RecordKindCompensation:
			eventType, payload = TypeCompensated, Compensated{Record: rec}
		case rec.Outcome == saga.RecordOutcomeFailed:
			eventType, payload = TypeStepFailed, StepFailed{Record: rec}
		default:
			eventType, payload = TypeStepCompleted, StepCompleted{Record: rec, NextIndex: state.CurrentStepIndex}
		}
		body, err := s.encode(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, EventData{
			EventID: clock.NewEventID(), Type: eventType, OccurredAt: now, Body: body,
		})
	}

	body, err := s.encode(StateTransitioned{
		Status:           state.Status.String(),
		CurrentStepIndex: state.CurrentStepIndex,
		CommitVersion:    expectedVersion + 1,
		CompletedAt:      state.CompletedAt,
		Payload:          state.Payload,
	})
	if err != nil {
		return nil, err
	}
	events = append(events, EventData{
		EventID: clock.NewEventID(), Type: TypeStateTransitioned, OccurredAt: now, Body: body,
	})
	return events, nil
}

func (s *SourcedStateStore) appendEvents(ctx context.Context, state *saga.State, events []EventData) error {
	streamID := StreamID(s.prefix, state.SagaID)

	streamVersion, err := s.log.StreamVersion(ctx, streamID)
	if err != nil {
		return err
	}
	newStreamVersion, err := s.log.Append(ctx, streamID, streamVersion, events...)
	if err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		// A concurrent journaler appended; re-read and try once more. Saves
		// for one saga are serialized upstream, so one retry settles it.
		streamVersion, err = s.log.StreamVersion(ctx, streamID)
		if err != nil {
			return err
		}
		newStreamVersion, err = s.log.Append(ctx, streamID, streamVersion, events...)
		if err != nil {
			return err
		}
	}

	s.maybeSnapshot(ctx, state, streamID, newStreamVersion, len(events))
	return nil
}

func (s *SourcedStateStore) maybeSnapshot(ctx context.Context, state *saga.State, streamID string, streamVersion uint64, appended int) {
	if s.snaps == nil || s.interval <= 0 {
		return
	}
	before := streamVersion - uint64(appended)
	if streamVersion/uint64(s.interval) == before/uint64(s.interval) {
		return
	}

	data, err := json.Marshal(state)
	if err != nil {
		s.logg.Warn("snapshot marshal failed", "saga_id", state.SagaID, "error", err)
		return
	}
	snap := Snapshot{
		StreamID: streamID,
		Version:  streamVersion,
		State:    data,
		TakenAt:  s.clk.Now(),
	}
	if err := s.snaps.Save(ctx, snap); err != nil {
		s.logg.Warn("snapshot save failed", "saga_id", state.SagaID, "error", err)
	}
}

func (s *SourcedStateStore) encode(payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal %T: %w", payload, err)
	}
	return body, nil
}

// Delete removes the saga from the wrapped store and drops its snapshot.
// The event stream itself is kept for audit.
func (s *SourcedStateStore) Delete(ctx context.Context, sagaID string) error {
	if err := s.inner.Delete(ctx, sagaID); err != nil {
		return err
	}
	if s.snaps != nil {
		return s.snaps.Delete(ctx, StreamID(s.prefix, sagaID))
	}
	return nil
}

// CompletedBefore delegates to the wrapped store.
func (s *SourcedStateStore) CompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.inner.CompletedBefore(ctx, cutoff, limit)
}

// Close closes the wrapped store and the log.
func (s *SourcedStateStore) Close() error {
	if err := s.log.Close(); err != nil {
		s.inner.Close()
		return err
	}
	return s.inner.Close()
}

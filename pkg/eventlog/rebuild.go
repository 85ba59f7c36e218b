package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sagaweave/sagaweave/pkg/saga"
)

// Rebuild reconstructs a saga state from its stream: latest snapshot first,
// then every event after it. The result is byte-for-byte equivalent to the
// state the store last persisted, including the commit version.
func Rebuild(ctx context.Context, log Log, snaps SnapshotStore, registry *DecoderRegistry, streamID string) (*saga.State, error) {
	var st *saga.State
	from := uint64(1)

	if snaps != nil {
		snap, err := snaps.Load(ctx, streamID)
		switch {
		case err == nil:
			var snapped saga.State
			if err := json.Unmarshal(snap.State, &snapped); err != nil {
				return nil, fmt.Errorf("eventlog: unmarshal snapshot %s: %w", streamID, err)
			}
			st = &snapped
			from = snap.Version + 1
		case errors.Is(err, ErrSnapshotNotFound):
		default:
			return nil, err
		}
	}

	events, err := log.Read(ctx, streamID, from)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) && st != nil {
			return st, nil
		}
		return nil, err
	}

	for _, ev := range events {
		payload, err := registry.Decode(ev)
		if err != nil {
			return nil, err
		}
		st, err = apply(st, ev, payload)
		if err != nil {
			return nil, err
		}
	}

	if st == nil {
		return nil, fmt.Errorf("%w: %s has no events", ErrStreamNotFound, streamID)
	}
	return st, nil
}

func apply(st *saga.State, ev Event, payload any) (*saga.State, error) {
	switch p := payload.(type) {
	case *SagaStarted:
		return &saga.State{
			SagaID:        p.SagaID,
			SagaType:      p.SagaType,
			Status:        saga.StatusCreated,
			TotalSteps:    p.TotalSteps,
			StartedAt:     p.StartedAt,
			CorrelationID: p.CorrelationID,
			TenantID:      p.TenantID,
			Payload:       p.Payload,
			StepHistory:   []saga.StepExecutionRecord{},
		}, nil

	case *StepCompleted:
		if st == nil {
			return nil, fmt.Errorf("eventlog: %s before %s in stream %s", ev.Type, TypeSagaStarted, ev.StreamID)
		}
		st.AppendRecord(p.Record)
		return st, nil

	case *StepFailed:
		if st == nil {
			return nil, fmt.Errorf("eventlog: %s before %s in stream %s", ev.Type, TypeSagaStarted, ev.StreamID)
		}
		st.AppendRecord(p.Record)
		return st, nil

	case *Compensated:
		if st == nil {
			return nil, fmt.Errorf("eventlog: %s before %s in stream %s", ev.Type, TypeSagaStarted, ev.StreamID)
		}
		st.AppendRecord(p.Record)
		return st, nil

	case *StateTransitioned:
		if st == nil {
			return nil, fmt.Errorf("eventlog: %s before %s in stream %s", ev.Type, TypeSagaStarted, ev.StreamID)
		}
		status, err := saga.ParseStatus(p.Status)
		if err != nil {
			return nil, fmt.Errorf("eventlog: stream %s: %w", ev.StreamID, err)
		}
		st.Status = status
		st.CurrentStepIndex = p.CurrentStepIndex
		st.Version = p.CommitVersion
		st.CompletedAt = p.CompletedAt
		if p.Payload != nil {
			st.Payload = p.Payload
		}
		return st, nil

	case *Fault:
		// Informational only; the state transition rides separately.
		return st, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, payload)
	}
}

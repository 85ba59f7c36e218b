// Package scheduler arms one timer per running saga step and synthesizes
// timeout events when a step outlives its deadline. Timers are in-memory;
// after a restart they are re-armed as sagas progress, and badly overdue
// steps are caught by the degraded/unhealthy thresholds.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sagaweave/sagaweave/pkg/clock"
	"github.com/sagaweave/sagaweave/pkg/coordinator"
	"github.com/sagaweave/sagaweave/pkg/dispatch"
	"github.com/sagaweave/sagaweave/pkg/logger"
)

// Sink receives the synthesized timeout events. The coordinator implements
// it.
type Sink interface {
	ProcessEvent(ctx context.Context, event dispatch.Event) error
}

// MetricsRecorder receives scheduler observations.
type MetricsRecorder interface {
	RecordTimerFired(stepName string)
	RecordDegraded(stepName string)
	ObserveArmedTimers(count int)
}

type nopMetrics struct{}

func (nopMetrics) RecordTimerFired(string) {}
func (nopMetrics) RecordDegraded(string)   {}
func (nopMetrics) ObserveArmedTimers(int)  {}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often deadlines are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithDegradedThreshold sets how long past its deadline a step may run
// before the scheduler logs and counts it as degraded.
func WithDegradedThreshold(d time.Duration) Option {
	return func(s *Scheduler) { s.degraded = d }
}

// WithUnhealthyThreshold sets how long past its deadline a step may run
// before a timeout event is synthesized.
func WithUnhealthyThreshold(d time.Duration) Option {
	return func(s *Scheduler) { s.unhealthy = d }
}

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clk = clk }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Scheduler) { s.metrics = m }
}

type timerEntry struct {
	stepName       string
	fireAt         time.Time
	degradedLogged bool
}

// Scheduler tracks one deadline per saga. A saga advancing to a new step
// replaces its previous timer; terminal sagas cancel it.
type Scheduler struct {
	sink    Sink
	clk     clock.Clock
	log     logger.Logger
	metrics MetricsRecorder

	interval  time.Duration
	degraded  time.Duration
	unhealthy time.Duration

	mu     sync.Mutex
	timers map[string]*timerEntry
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler delivering timeout events into sink.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:     sink,
		clk:      clock.System(),
		log:      logger.Global(),
		metrics:  nopMetrics{},
		interval: time.Second,
		timers:   make(map[string]*timerEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleStepTimeout arms (or re-arms) the timer for a saga.
func (s *Scheduler) ScheduleStepTimeout(sagaID, stepName string, fireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[sagaID] = &timerEntry{stepName: stepName, fireAt: fireAt}
}

// CancelSaga disarms the timer for a saga.
func (s *Scheduler) CancelSaga(sagaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, sagaID)
}

// ArmedCount reports how many timers are currently armed.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Start launches the deadline check loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop terminates the loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one deadline pass. Exported so tests can drive the scheduler
// with a fake clock instead of waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clk.Now()

	type firing struct {
		sagaID string
		entry  timerEntry
	}
	var due []firing

	s.mu.Lock()
	for sagaID, entry := range s.timers {
		overdue := now.Sub(entry.fireAt)
		if overdue < 0 {
			continue
		}
		if overdue >= s.unhealthy {
			due = append(due, firing{sagaID: sagaID, entry: *entry})
			delete(s.timers, sagaID)
			continue
		}
		if overdue >= s.degraded && !entry.degradedLogged {
			entry.degradedLogged = true
			s.metrics.RecordDegraded(entry.stepName)
			s.log.Warn("step past deadline",
				"saga_id", sagaID, "step", entry.stepName,
				"overdue", overdue.String())
		}
	}
	armed := len(s.timers)
	s.mu.Unlock()

	s.metrics.ObserveArmedTimers(armed)

	for _, f := range due {
		payload, err := json.Marshal(coordinator.StepTimeout{
			StepName: f.entry.stepName,
			FiredAt:  f.entry.fireAt,
		})
		if err != nil {
			s.log.Error("marshal timeout payload", "saga_id", f.sagaID, "error", err)
			continue
		}
		event := dispatch.Event{
			MessageID: clock.NewID(),
			Type:      coordinator.TimeoutEventType,
			SagaID:    f.sagaID,
			Payload:   payload,
		}
		s.metrics.RecordTimerFired(f.entry.stepName)
		s.log.Info("step timeout fired", "saga_id", f.sagaID, "step", f.entry.stepName)

		if err := s.sink.ProcessEvent(ctx, event); err != nil {
			// Re-arm so the next tick retries the delivery.
			s.log.Error("timeout delivery failed, re-arming",
				"saga_id", f.sagaID, "step", f.entry.stepName, "error", err)
			s.mu.Lock()
			if _, exists := s.timers[f.sagaID]; !exists {
				entry := f.entry
				s.timers[f.sagaID] = &entry
			}
			s.mu.Unlock()
		}
	}
}

// Package clock provides time and identity sources for the engine.
//
// Every component that needs wall-clock time or fresh identifiers takes a
// Clock so tests can substitute a deterministic source.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies monotonic UTC timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// System returns the default system clock.
func System() Clock {
	return SystemClock{}
}

// NewID generates a fresh saga or message identifier.
func NewID() string {
	return uuid.NewString()
}

// NewEventID generates a fresh event identifier. UUIDv7 keeps stored events
// roughly time-ordered; fall back to v4 when the randomness source fails.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

package dispatch

import (
	"context"
	"strings"
	"sync"
)

// Delivery is one message delivered to a subscription.
type Delivery struct {
	Message Message
}

// Subscription receives messages whose type matches a pattern.
type Subscription struct {
	pattern string
	ch      chan Delivery
	bus     *MemoryDispatcher
	once    sync.Once
}

// C returns the read-only delivery channel.
func (s *Subscription) C() <-chan Delivery {
	return s.ch
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.unsubscribe(s.pattern, s.ch)
		close(s.ch)
	})
	return nil
}

// MemoryDispatcher is an in-process dispatcher useful for tests and for
// single-node deployments that bridge to an external broker elsewhere.
type MemoryDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Delivery
	published   []Message
	record      bool
}

// NewMemoryDispatcher creates an in-memory dispatcher.
func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{
		subscribers: make(map[string][]chan Delivery),
	}
}

// NewRecordingDispatcher creates a dispatcher that also retains every
// published message for later inspection. Test support.
func NewRecordingDispatcher() *MemoryDispatcher {
	d := NewMemoryDispatcher()
	d.record = true
	return d
}

// Publish delivers the message to matching subscribers.
func (d *MemoryDispatcher) Publish(ctx context.Context, msg Message) error {
	if msg.MessageID == "" {
		return ErrNilMessage
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	d.mu.Lock()
	if d.record {
		d.published = append(d.published, msg)
	}
	var targets []chan Delivery
	for pattern, chans := range d.subscribers {
		if matchesPattern(pattern, msg.Type) {
			targets = append(targets, chans...)
		}
	}
	d.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- Delivery{Message: msg}:
		default:
			// Slow subscribers drop; delivery guarantees live in the outbox.
		}
	}
	return nil
}

// Subscribe registers interest in message types matching pattern. A trailing
// "*" matches any suffix; "*" alone matches everything.
func (d *MemoryDispatcher) Subscribe(pattern string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Delivery, buffer)
	d.mu.Lock()
	d.subscribers[pattern] = append(d.subscribers[pattern], ch)
	d.mu.Unlock()
	return &Subscription{pattern: pattern, ch: ch, bus: d}
}

// Published returns a copy of all recorded messages in publish order.
func (d *MemoryDispatcher) Published() []Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Message, len(d.published))
	copy(out, d.published)
	return out
}

func (d *MemoryDispatcher) unsubscribe(pattern string, ch chan Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chans := d.subscribers[pattern]
	for i, c := range chans {
		if c == ch {
			d.subscribers[pattern] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(d.subscribers[pattern]) == 0 {
		delete(d.subscribers, pattern)
	}
}

func matchesPattern(pattern, subject string) bool {
	if pattern == "*" || pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

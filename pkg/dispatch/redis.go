package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisDispatcher publishes messages over Redis Pub/Sub, one channel per
// message type under a common prefix.
type RedisDispatcher struct {
	client        redis.UniversalClient
	channelPrefix string
	bufferSize    int

	mu          sync.RWMutex
	subscribers map[string]*redisSubscription
	closed      bool
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Delivery
	cancel context.CancelFunc
}

// NewRedisDispatcher creates a Redis-backed dispatcher.
func NewRedisDispatcher(client redis.UniversalClient, channelPrefix string, bufferSize int) *RedisDispatcher {
	if channelPrefix == "" {
		channelPrefix = "sagaweave:msg:"
	}
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &RedisDispatcher{
		client:        client,
		channelPrefix: channelPrefix,
		bufferSize:    bufferSize,
		subscribers:   make(map[string]*redisSubscription),
	}
}

// Publish sends the message on the channel for its type.
func (d *RedisDispatcher) Publish(ctx context.Context, msg Message) error {
	if msg.MessageID == "" {
		return ErrNilMessage
	}
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return fmt.Errorf("dispatch: redis dispatcher is closed")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatch: marshal message: %w", err)
	}
	if err := d.client.Publish(ctx, d.channelPrefix+msg.Type, data).Err(); err != nil {
		return fmt.Errorf("dispatch: redis publish: %w", err)
	}
	return nil
}

// Subscribe consumes messages of one type. The returned channel closes when
// the dispatcher closes or Unsubscribe is called.
func (d *RedisDispatcher) Subscribe(ctx context.Context, msgType string) (<-chan Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("dispatch: redis dispatcher is closed")
	}
	if existing, ok := d.subscribers[msgType]; ok {
		return existing.ch, nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := d.client.Subscribe(subCtx, d.channelPrefix+msgType)
	ch := make(chan Delivery, d.bufferSize)
	sub := &redisSubscription{pubsub: pubsub, ch: ch, cancel: cancel}
	d.subscribers[msgType] = sub

	go func() {
		defer close(ch)
		for {
			redisMsg, err := pubsub.ReceiveMessage(subCtx)
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				continue
			}
			select {
			case ch <- Delivery{Message: msg}:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Unsubscribe stops consumption for one message type.
func (d *RedisDispatcher) Unsubscribe(msgType string) {
	d.mu.Lock()
	sub, ok := d.subscribers[msgType]
	if ok {
		delete(d.subscribers, msgType)
	}
	d.mu.Unlock()
	if ok {
		sub.cancel()
		_ = sub.pubsub.Close()
	}
}

// Close stops all subscriptions.
func (d *RedisDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	subs := d.subscribers
	d.subscribers = make(map[string]*redisSubscription)
	d.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		_ = sub.pubsub.Close()
	}
	return nil
}

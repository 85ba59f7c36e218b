package outbox

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease serializes drainers across processes so only one publishes at a
// time. At-least-once delivery tolerates a brief overlap on lease handover.
type Lease interface {
	// Acquire attempts to take the lease; false means another holder owns it.
	Acquire(ctx context.Context) (bool, error)

	// Renew extends the lease while held.
	Renew(ctx context.Context) error

	// Release gives the lease up.
	Release(ctx context.Context) error
}

// NopLease always grants the lease. Single-process deployments use it.
type NopLease struct{}

func (NopLease) Acquire(ctx context.Context) (bool, error) { return true, nil }
func (NopLease) Renew(ctx context.Context) error           { return nil }
func (NopLease) Release(ctx context.Context) error         { return nil }

// Renew and Release only act when this holder still owns the key, so a
// lease that expired and was re-acquired elsewhere is never clobbered.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLease implements Lease with a Redis SET NX key.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	holder string
	ttl    time.Duration
}

// NewRedisLease creates a lease on the given key. holder must be unique per
// process; ttl bounds how long a crashed holder blocks others.
func NewRedisLease(client redis.UniversalClient, key, holder string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{client: client, key: key, holder: holder, ttl: ttl}
}

// Acquire attempts to take the lease.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
}

// Renew extends the lease if this holder still owns it.
func (l *RedisLease) Renew(ctx context.Context) error {
	return renewScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Err()
}

// Release deletes the lease key if this holder still owns it.
func (l *RedisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err()
}

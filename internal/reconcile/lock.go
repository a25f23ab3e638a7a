package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by a Locker when another replica owns the lock.
var ErrLockHeld = errors.New("reconcile lock held elsewhere")

// Locker provides mutual exclusion for one domain across replicas.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// LocalLocker is used by single-replica deployments; in-process
// deduplication already serializes passes for a domain.
type LocalLocker struct{}

func (LocalLocker) Obtain(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

// RedisLocker takes a bsm/redislock lock per domain.
type RedisLocker struct {
	client *redislock.Client
	prefix string
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), prefix: "cloakgate:reconcile:"}
}

// Obtain tries once to take the lock. It returns ErrLockHeld when the lock
// is owned by someone else.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := l.client.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// The lock expires on its own if release fails.
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}

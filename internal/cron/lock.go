package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudphone/txcore/pkg/instance"
)

// minLockTTL keeps a short-interval service from losing its lock mid-cycle.
const minLockTTL = time.Minute

// ErrLockLost is returned by Release when the lock expired and another
// instance took it before the cycle finished.
var ErrLockLost = errors.New("cron lock lost to another instance")

// Lock coordinates exclusive cron runs.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// holderReporter is implemented by locks that can name their current holder.
type holderReporter interface {
	Holder(ctx context.Context) (string, error)
}

// NoopLock always grants the lock. The saga sweeps use it: every saga write
// is version-guarded, so concurrent sweepers only waste a little work.
type NoopLock struct{}

func (NoopLock) Acquire(context.Context) (bool, error) { return true, nil }

func (NoopLock) Release(context.Context) error { return nil }

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// compareAndDeleter is implemented by stores that can release a key
// atomically, see redis.Client.DelIfValue.
type compareAndDeleter interface {
	DelIfValue(ctx context.Context, key, value string) (bool, error)
}

// RedisLock is a SETNX lock whose value names the holding process, so a
// skipped instance can log who is running the cycle.
type RedisLock struct {
	client redisStore
	key    string
	ttl    time.Duration
	owner  string
	// newOwner is swapped in tests.
	newOwner func() string
}

// NewRedisLock builds a lock on key. ttl is normally twice the service
// interval; it bounds how long a crashed holder blocks the others.
func NewRedisLock(client redisStore, key string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl < minLockTTL {
		ttl = minLockTTL
	}
	return &RedisLock{client: client, key: key, ttl: ttl, newOwner: instance.Owner}, nil
}

// TTLFor derives a lock TTL from a cron interval.
func TTLFor(interval time.Duration) time.Duration {
	return 2 * interval
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	if l.owner != "" {
		return false, fmt.Errorf("lock %s already held by this process", l.key)
	}
	owner := l.newOwner()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", l.key, err)
	}
	if ok {
		l.owner = owner
	}
	return ok, nil
}

// Holder returns the owner value currently stored under the key, or "" when
// the lock is free.
func (l *RedisLock) Holder(ctx context.Context) (string, error) {
	value, err := l.client.Get(ctx, l.key)
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock owner: %w", err)
	}
	return value, nil
}

// Release deletes the key if this process still owns it. ErrLockLost means
// the TTL elapsed during the cycle and someone else holds it now.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}
	owner := l.owner
	l.owner = ""

	if cad, ok := l.client.(compareAndDeleter); ok {
		deleted, err := cad.DelIfValue(ctx, l.key, owner)
		if err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		if deleted {
			return nil
		}
	}

	value, err := l.Holder(ctx)
	if err != nil {
		return err
	}
	switch value {
	case "":
		return nil
	case owner:
		if err := l.client.Del(ctx, l.key); err != nil {
			return fmt.Errorf("delete lock: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: now held by %s", ErrLockLost, value)
	}
}

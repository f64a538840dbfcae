package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryRedis) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryRedis) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memoryRedis) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func newTestLock(t *testing.T, store *memoryRedis, owner string) *RedisLock {
	t.Helper()
	lock, err := NewRedisLock(store, "txcore:cron:test", TTLFor(5*time.Minute))
	require.NoError(t, err)
	lock.newOwner = func() string { return owner }
	return lock
}

func TestRedisLockIsExclusiveAndNamesItsHolder(t *testing.T) {
	ctx := context.Background()
	store := newMemoryRedis()
	first := newTestLock(t, store, "host-a-1")
	second := newTestLock(t, store, "host-b-2")

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Minute, store.ttls["txcore:cron:test"])

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	holder, err := second.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "host-a-1", holder)

	// releasing a lock it never took leaves the holder alone
	require.NoError(t, second.Release(ctx))
	require.NoError(t, first.Release(ctx))

	holder, err = second.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockReportsLossAfterExpiry(t *testing.T) {
	ctx := context.Background()
	store := newMemoryRedis()
	first := newTestLock(t, store, "host-a-1")
	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// TTL elapsed and another instance took over.
	require.NoError(t, store.Del(ctx, "txcore:cron:test"))
	_, err = newTestLock(t, store, "host-b-2").Acquire(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, first.Release(ctx), ErrLockLost)
	assert.Equal(t, "host-b-2", store.values["txcore:cron:test"])
}

func TestNewRedisLockValidatesArguments(t *testing.T) {
	_, err := NewRedisLock(nil, "k", time.Minute)
	assert.Error(t, err)
	_, err = NewRedisLock(newMemoryRedis(), "", time.Minute)
	assert.Error(t, err)

	lock, err := NewRedisLock(newMemoryRedis(), "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, minLockTTL, lock.ttl)
}

package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewRedisClient(context.Background(), RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewLocker(client, "orgplane"), mr
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), RedisConfig{URL: "invalid://url"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis URL")
}

func TestNewRedisClient_ConnectionFailure(t *testing.T) {
	_, err := NewRedisClient(context.Background(), RedisConfig{URL: "redis://localhost:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestLocker_TryAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("second acquire fails while held", func(t *testing.T) {
		locker, mr := setupLocker(t)

		lease, ok, err := locker.TryAcquire(ctx, "generate-invoices", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, lease)
		assert.True(t, mr.Exists("orgplane:lock:generate-invoices"))

		_, ok, err = locker.TryAcquire(ctx, "generate-invoices", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, lease.Release(ctx))
		assert.False(t, mr.Exists("orgplane:lock:generate-invoices"))

		_, ok, err = locker.TryAcquire(ctx, "generate-invoices", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("lease expires after ttl", func(t *testing.T) {
		locker, mr := setupLocker(t)

		_, ok, err := locker.TryAcquire(ctx, "capture-invoices", 30*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(31 * time.Second)

		_, ok, err = locker.TryAcquire(ctx, "capture-invoices", 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release does not drop a lease taken over by another holder", func(t *testing.T) {
		locker, mr := setupLocker(t)

		stale, ok, err := locker.TryAcquire(ctx, "expire-trials", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(11 * time.Second)
		fresh, ok, err := locker.TryAcquire(ctx, "expire-trials", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, stale.Release(ctx))
		assert.True(t, mr.Exists("orgplane:lock:expire-trials"))

		extended, err := stale.Extend(ctx, time.Minute)
		require.NoError(t, err)
		assert.False(t, extended)

		extended, err = fresh.Extend(ctx, 2*time.Minute)
		require.NoError(t, err)
		assert.True(t, extended)
	})
}

func TestLocker_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	locker := NewLocker(client, "")
	mr.Close()

	_, ok, err := locker.TryAcquire(context.Background(), "free-plan-limits", time.Minute)
	require.Error(t, err)
	assert.False(t, ok)
}

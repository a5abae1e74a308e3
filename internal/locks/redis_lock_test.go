package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisManager(t *testing.T) (*RedisManager, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisManager(client), client
}

func TestAcquireThenReleaseAllowsReacquire(t *testing.T) {
	m, _ := newTestRedisManager(t)
	ctx := context.Background()

	lock, acquired, err := m.Acquire(ctx, "lock:a", 10)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotEmpty(t, lock.GetValue())

	_, acquired, err = m.Acquire(ctx, "lock:a", 10)
	require.NoError(t, err)
	require.False(t, acquired, "a second acquire before release must fail")

	require.NoError(t, lock.Release(ctx))

	_, acquired, err = m.Acquire(ctx, "lock:a", 10)
	require.NoError(t, err)
	require.True(t, acquired, "release must free the key for a new acquire")
}

func TestReleaseOnlyRemovesOwnToken(t *testing.T) {
	m, client := newTestRedisManager(t)
	ctx := context.Background()

	lock, acquired, err := m.Acquire(ctx, "lock:b", 10)
	require.NoError(t, err)
	require.True(t, acquired)

	// simulate the key having been taken over by another holder between
	// expiry and this release call.
	require.NoError(t, client.Set(ctx, lockKeyPrefix+"lock:b", "someone-else", 10*time.Second).Err())

	require.NoError(t, lock.Release(ctx))

	val, err := client.Get(ctx, lockKeyPrefix+"lock:b").Result()
	require.NoError(t, err)
	require.Equal(t, "someone-else", val, "release must not clear a key it no longer owns")
}

func TestRefreshExtendsTTL(t *testing.T) {
	m, client := newTestRedisManager(t)
	ctx := context.Background()

	lock, acquired, err := m.Acquire(ctx, "lock:c", 1)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, lock.Refresh(ctx, 60))

	ttl, err := client.TTL(ctx, lockKeyPrefix+"lock:c").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 30*time.Second)
}

func TestAcquireNamespacesKeyUnderLockPrefix(t *testing.T) {
	m, client := newTestRedisManager(t)
	ctx := context.Background()

	_, acquired, err := m.Acquire(ctx, "lock:d", 10)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, client.Get(ctx, lockKeyPrefix+"lock:d").Err(), "acquire must store the key under the shared wa:lock: namespace")
}

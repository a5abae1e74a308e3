package instances

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, 0)
}

func TestCachePutAndLookupByBothKeys(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	entry := CacheEntry{
		InstanceID: uuid.New(), OrganizationID: "org-1", InstanceName: "inst-1",
		WebhookToken: "tok-1", Status: StatusActive, Enabled: true,
	}
	require.NoError(t, cache.Put(ctx, entry))

	byName, err := cache.ByInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.NotNil(t, byName)
	require.Equal(t, entry.OrganizationID, byName.OrganizationID)

	byToken, err := cache.ByToken(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, byToken)
	require.Equal(t, entry.InstanceName, byToken.InstanceName)
}

func TestCacheMissReturnsNilNotError(t *testing.T) {
	cache := newTestCache(t)
	entry, err := cache.ByInstance(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestCacheInvalidateClearsBothKeys(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	entry := CacheEntry{InstanceName: "inst-1", WebhookToken: "tok-1"}
	require.NoError(t, cache.Put(ctx, entry))
	require.NoError(t, cache.Invalidate(ctx, "inst-1", "tok-1"))

	byName, err := cache.ByInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.Nil(t, byName)

	byToken, err := cache.ByToken(ctx, "tok-1")
	require.NoError(t, err)
	require.Nil(t, byToken)
}

func TestNewCacheDefaultsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewCache(client, 0)
	require.Equal(t, defaultCacheTTL, cache.ttl)
}

package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultCacheTTL = time.Hour

// Cache is the Redis-backed read-through derivative of the registry,
// keyed under both the instance name and the webhook token so that a
// lookup by either can be served without touching Postgres, and a single
// invalidation by instance name clears both keys.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl}
}

func instanceKey(instanceName string) string { return "whatsapp:instance:" + instanceName }
func tokenKey(webhookToken string) string    { return "whatsapp:token:" + webhookToken }

// Put writes entry under both keys. Called after any registry mutation
// that should be reflected on the hot path.
func (c *Cache) Put(ctx context.Context, entry CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, instanceKey(entry.InstanceName), data, c.ttl)
	pipe.Set(ctx, tokenKey(entry.WebhookToken), data, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// ByInstance reads the cache entry for an instance name. It returns
// (nil, nil) on a cache miss — callers fall back to the registry, and a
// miss is never treated as a negative result worth caching.
func (c *Cache) ByInstance(ctx context.Context, instanceName string) (*CacheEntry, error) {
	return c.get(ctx, instanceKey(instanceName))
}

// ByToken reads the cache entry for a webhook token.
func (c *Cache) ByToken(ctx context.Context, webhookToken string) (*CacheEntry, error) {
	return c.get(ctx, tokenKey(webhookToken))
}

func (c *Cache) get(ctx context.Context, key string) (*CacheEntry, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache key %s: %w", key, err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

// Invalidate clears both keys for instanceName/webhookToken. Both must be
// supplied so a mutation that changes the token still clears the old one;
// callers that only know the instance name should read-then-invalidate.
func (c *Cache) Invalidate(ctx context.Context, instanceName, webhookToken string) error {
	keys := []string{instanceKey(instanceName)}
	if webhookToken != "" {
		keys = append(keys, tokenKey(webhookToken))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate cache for %s: %w", instanceName, err)
	}
	return nil
}

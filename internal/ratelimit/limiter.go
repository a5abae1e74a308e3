// Package ratelimit implements a per-instance token bucket whose state
// lives in Redis so that every worker process sharing an instance draws
// from the same budget. The refill-and-decrement step is evaluated
// server-side via a Lua script (the same atomicity pattern the lock
// manager uses for compare-and-delete), so concurrent callers never read a
// stale balance between the refill computation and the decrement.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// takeScript refills the bucket for elapsed wall-clock time, clamps to
// capacity, and takes one token if available. KEYS[1]/KEYS[2] are the token
// count and last-refill-timestamp keys; ARGV is rate, capacity, now.
var takeScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('GET', tokens_key))
local last = tonumber(redis.call('GET', ts_key))

if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + math.floor(elapsed * rate))
  last = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('SET', tokens_key, tokens, 'EX', 3600)
redis.call('SET', ts_key, last, 'EX', 3600)

return allowed
`)

// Config holds the token-bucket parameters. Every instance has its own
// bucket keys, but all instances share this one rate and capacity; there
// is no per-instance override.
type Config struct {
	TokensPerSecond float64
	Capacity        int
}

func DefaultConfig() Config {
	return Config{TokensPerSecond: 1.0, Capacity: 5}
}

// Limiter is a Redis-backed distributed token bucket.
type Limiter struct {
	client *redis.Client
	cfg    Config
}

func New(client *redis.Client, cfg Config) *Limiter {
	if cfg.TokensPerSecond <= 0 {
		cfg.TokensPerSecond = 1.0
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	return &Limiter{client: client, cfg: cfg}
}

func tokensKey(instance string) string { return fmt.Sprintf("wa:%s:bucket", instance) }
func tsKey(instance string) string     { return fmt.Sprintf("wa:%s:bucket:ts", instance) }

// TryTake atomically attempts to take one token for instance. It never
// returns an error for ordinary rate exhaustion — only for a Redis
// communication failure, in which case the caller should treat the attempt
// as failed (conservatively) rather than bypass the limiter.
func (l *Limiter) TryTake(ctx context.Context, instance string) (bool, error) {
	now := time.Now().Unix()
	res, err := takeScript.Run(ctx, l.client,
		[]string{tokensKey(instance), tsKey(instance)},
		l.cfg.TokensPerSecond, l.cfg.Capacity, now,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limiter take: %w", err)
	}
	return res == 1, nil
}

// WaitForToken blocks until a token is available, backing off exponentially
// (0.1s doubling, capped at ~1s) with jitter, recovering to a moderate
// steady-state backoff after repeated failures. It never returns an error
// for exhaustion; it returns early if ctx is cancelled.
func (l *Limiter) WaitForToken(ctx context.Context, instance string) error {
	const (
		initial = 100 * time.Millisecond
		cap_    = 1 * time.Second
	)
	delay := initial
	attempts := 0
	for {
		ok, err := l.TryTake(ctx, instance)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		attempts++
		wait := delay
		if attempts > 10 {
			wait = cap_
		}
		wait = jitter(wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		if delay < cap_ {
			delay *= 2
			if delay > cap_ {
				delay = cap_
			}
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

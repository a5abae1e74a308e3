// Package idempotency implements the short-TTL claim set used to reject
// duplicate logical message IDs on both webhook ingress and enqueue
// egress. A claim is a plain Redis SETNX-with-expiry: the first caller to
// set the key within the TTL window wins.
package idempotency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Store claims logical IDs against a shared Redis keyspace.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Claim returns true iff the caller is the first to claim logicalID within
// ttl. Subsequent claims of the same ID return false until the sentinel
// expires.
func (s *Store) Claim(ctx context.Context, logicalID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, logicalID, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim %q: %w", logicalID, err)
	}
	return ok, nil
}

// Release deletes a previously claimed key, letting a later caller reclaim
// it immediately instead of waiting out the TTL. Used to undo a send claim
// taken just before a delivery attempt that then failed, so the retry
// schedule can claim it again on the next attempt.
func (s *Store) Release(ctx context.Context, logicalID string) error {
	if err := s.client.Del(ctx, logicalID).Err(); err != nil {
		return fmt.Errorf("idempotency release %q: %w", logicalID, err)
	}
	return nil
}

// EgressKey builds the enqueue-side idempotency key for a caller-assigned
// message ID.
func EgressKey(messageID string) string {
	return "wa:msg:" + messageID
}

// SentKey builds the redelivery-guard key a worker claims immediately
// before calling SendText, so a crash between a successful send and its ack
// does not cause the redelivered entry to be sent twice.
func SentKey(messageID string) string {
	return "wa:sent:" + messageID
}

// IngressKey builds the webhook-ingress idempotency key for a
// gateway-assigned message ID.
func IngressKey(gatewayMessageID string) string {
	return "wa:in:" + gatewayMessageID
}

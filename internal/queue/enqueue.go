package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/funnelchat/wa-delivery/internal/idempotency"
)

// Claimer performs the egress idempotency check. Satisfied by
// *idempotency.Store; defined locally so this package's tests can supply a
// fake without importing redis.
type Claimer interface {
	Claim(ctx context.Context, logicalID string, ttl time.Duration) (bool, error)
}

// EnqueueMessage is the producer-facing entry point for the AI pipeline:
// it claims msg.MessageID against the egress idempotency window before
// appending to the stream, so a repeated submission of the same logical
// send enqueues at most once. It reports accepted=false on a duplicate,
// with no stream append performed.
//
// Workers must not call this for retries — a retry re-enqueues the same
// already-claimed message_id via Enqueue directly, not through this path.
func EnqueueMessage(ctx context.Context, claims Claimer, q *Queue, msg Message, ttl time.Duration) (entryID string, accepted bool, err error) {
	claimed, err := claims.Claim(ctx, idempotency.EgressKey(msg.MessageID), ttl)
	if err != nil {
		return "", false, fmt.Errorf("egress idempotency claim for %s: %w", msg.MessageID, err)
	}
	if !claimed {
		return "", false, nil
	}
	id, err := q.Enqueue(ctx, msg)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

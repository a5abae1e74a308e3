// Package queue implements the per-instance outbound delivery stream: an
// append-only Redis Stream with a single consumer group, claim-by-idle-time
// reassignment, and a sibling dead-letter stream. The Go client's typed
// XAutoClaim/XReadGroup responses are used directly rather than hand-parsed,
// which sidesteps the version-dependent two-tuple/three-tuple reply shapes
// the underlying command has carried across Redis releases.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/funnelchat/wa-delivery/internal/observability"
)

// Config tunes the stream-level behaviour shared by every instance.
type Config struct {
	MaxLength   int64
	ClaimIdleMs int64
	ReadCount   int64
	ReadBlock   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxLength:   10000,
		ClaimIdleMs: 15000,
		ReadCount:   10,
		ReadBlock:   5 * time.Second,
	}
}

// Queue is the per-process handle onto every instance's stream pair.
type Queue struct {
	client  *redis.Client
	cfg     Config
	log     *slog.Logger
	metrics *observability.Metrics
}

func New(client *redis.Client, cfg Config, log *slog.Logger, metrics *observability.Metrics) *Queue {
	return &Queue{client: client, cfg: cfg, log: log, metrics: metrics}
}

// EnsureGroup creates the stream and its consumer group if absent. The
// group's initial read position is the stream tail ("$"): entries appended
// before the group existed are not delivered to it. They never enter the
// group's pending list, so ClaimOrphans does not reach them either.
func (q *Queue) EnsureGroup(ctx context.Context, instance string) error {
	err := q.client.XGroupCreateMkStream(ctx, streamKey(instance), GroupName, "$").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isBusyGroupErr(err) {
			return nil
		}
		return fmt.Errorf("ensure group for %s: %w", instance, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Enqueue appends one Outbound Message to the instance's stream, trimming
// the stream to approximately cfg.MaxLength entries, and returns the
// store-assigned entry ID.
func (q *Queue) Enqueue(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal outbound message %s: %w", msg.MessageID, err)
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(msg.Instance),
		MaxLen: q.cfg.MaxLength,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", msg.Instance, err)
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(msg.Instance).Inc()
	}
	if q.log != nil {
		q.log.Debug("enqueued message",
			slog.String("instance", msg.Instance),
			slog.String("entry_id", id),
			slog.String("message_id", msg.MessageID),
			slog.Int("attempts", msg.Attempts))
	}
	return id, nil
}

// RegisterConsumer creates the consumer in the group (XGROUP CREATECONSUMER)
// without reading any entries, so a worker appears in the group's consumer
// set before its first real delivery.
func (q *Queue) RegisterConsumer(ctx context.Context, instance, consumer string) error {
	err := q.client.XGroupCreateConsumer(ctx, streamKey(instance), GroupName, consumer).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("register consumer %s on %s: %w", consumer, instance, err)
	}
	return nil
}

// ReadNew delivers up to count new entries not previously assigned to any
// consumer, blocking up to block for one to arrive.
func (q *Queue) ReadNew(ctx context.Context, instance, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: consumer,
		Streams:  []string{streamKey(instance), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read new on %s: %w", instance, err)
	}
	return decodeStreams(res), nil
}

// ClaimOrphans reassigns entries idle longer than min_idle to consumer,
// returning the claimed entries and a cursor for further batched claims.
func (q *Queue) ClaimOrphans(ctx context.Context, instance, consumer string, minIdle time.Duration, cursor string) ([]Entry, string, error) {
	if cursor == "" {
		cursor = "0-0"
	}
	msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey(instance),
		Group:    GroupName,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    cursor,
		Count:    q.cfg.ReadCount,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "0-0", nil
		}
		return nil, "0-0", fmt.Errorf("claim orphans on %s: %w", instance, err)
	}
	return decodeMessages(msgs), next, nil
}

// Ack acknowledges and deletes entry id on instance's stream. Workers call
// this both on success and before any requeue, to prevent the pending-entry
// list from accumulating zombie entries.
func (q *Queue) Ack(ctx context.Context, instance, id string) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, streamKey(instance), GroupName, id)
	pipe.XDel(ctx, streamKey(instance), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack entry %s on %s: %w", id, instance, err)
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(instance).Dec()
	}
	return nil
}

// MoveToDLQ appends msg with its final error to the instance's dead-letter
// stream. The caller is still responsible for acking the original entry.
func (q *Queue) MoveToDLQ(ctx context.Context, msg Message, finalError string) error {
	entry := DeadLetterEntry{Message: msg, FinalError: finalError, MovedAt: time.Now()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter for %s: %w", msg.MessageID, err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey(msg.Instance),
		MaxLen: q.cfg.MaxLength,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err(); err != nil {
		return fmt.Errorf("move to dlq on %s: %w", msg.Instance, err)
	}
	if q.metrics != nil {
		q.metrics.DLQDepth.WithLabelValues(msg.Instance).Inc()
	}
	if q.log != nil {
		q.log.Warn("moved message to dead letter queue",
			slog.String("instance", msg.Instance),
			slog.String("message_id", msg.MessageID),
			slog.String("final_error", finalError))
	}
	return nil
}

// MoveRawToDLQ appends an entry whose payload could not be parsed into a
// Message, preserving the original bytes under a dead-letter record keyed
// by instance rather than the (unknown) message ID.
func (q *Queue) MoveRawToDLQ(ctx context.Context, instance string, raw []byte, finalError string) error {
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey(instance),
		MaxLen: q.cfg.MaxLength,
		Approx: true,
		Values: map[string]any{"raw_payload": raw, "final_error": finalError},
	}).Err(); err != nil {
		return fmt.Errorf("move raw payload to dlq on %s: %w", instance, err)
	}
	if q.metrics != nil {
		q.metrics.DLQDepth.WithLabelValues(instance).Inc()
	}
	if q.log != nil {
		q.log.Warn("moved unparseable payload to dead letter queue",
			slog.String("instance", instance),
			slog.String("final_error", finalError))
	}
	return nil
}

// Depth reports the live stream length for instance, for synchronous
// health-endpoint reads that must not touch consumer-group machinery.
func (q *Queue) Depth(ctx context.Context, instance string) (int64, error) {
	n, err := q.client.XLen(ctx, streamKey(instance)).Result()
	if err != nil {
		return 0, fmt.Errorf("depth for %s: %w", instance, err)
	}
	return n, nil
}

// DLQDepth reports the dead-letter stream length for instance.
func (q *Queue) DLQDepth(ctx context.Context, instance string) (int64, error) {
	n, err := q.client.XLen(ctx, dlqKey(instance)).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq depth for %s: %w", instance, err)
	}
	return n, nil
}

func decodeStreams(streams []redis.XStream) []Entry {
	var entries []Entry
	for _, stream := range streams {
		entries = append(entries, decodeMessages(stream.Messages)...)
	}
	return entries
}

func decodeMessages(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["payload"].(string)
		if !ok {
			entries = append(entries, Entry{ID: m.ID, ParseErr: fmt.Errorf("entry %s missing payload field", m.ID)})
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			entries = append(entries, Entry{ID: m.ID, Raw: []byte(raw), ParseErr: err})
			continue
		}
		entries = append(entries, Entry{ID: m.ID, Message: msg, Raw: []byte(raw)})
	}
	return entries
}

package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/funnelchat/wa-delivery/internal/gateway"
	"github.com/funnelchat/wa-delivery/internal/idempotency"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, DefaultConfig(), testLogger(), nil)
}

type fakeSender struct {
	state   gateway.ConnectionState
	sendErr error
	sent    []string
}

func (f *fakeSender) SendText(ctx context.Context, instance, to, text string) (bool, error) {
	if f.sendErr != nil {
		return false, f.sendErr
	}
	f.sent = append(f.sent, to)
	return true, nil
}

func (f *fakeSender) InstanceConnectionState(ctx context.Context, instance string) gateway.ConnectionState {
	return f.state
}

type noopLimiter struct{}

func (noopLimiter) WaitForToken(ctx context.Context, instance string) error { return nil }

func TestWorkerProcessDeliversAndAcks(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "inst-1"))

	id, err := q.Enqueue(ctx, Message{MessageID: "m1", Instance: "inst-1", To: "123", Text: "hi"})
	require.NoError(t, err)

	entries, err := q.ReadNew(ctx, "inst-1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].ID)

	sender := &fakeSender{state: gateway.StateOpen}
	w := NewWorker("inst-1", "c1", q, sender, noopLimiter{}, DefaultRetryConfig(), nil, time.Minute, testLogger(), nil)

	w.process(ctx, entries[0])

	require.Equal(t, []string{"123"}, sender.sent)
	depth, err := q.Depth(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), depth, "delivered entry must be acked and trimmed off the stream")
}

// A 4xx client error is not permanent: it takes the normal retry path, so
// the entry is acked off the stream and nothing lands in the dead-letter
// stream on the first attempt.
func TestWorkerProcessRetriesOnClientError(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "inst-1"))

	_, err := q.Enqueue(ctx, Message{MessageID: "m1", Instance: "inst-1", To: "123", Text: "hi"})
	require.NoError(t, err)
	entries, err := q.ReadNew(ctx, "inst-1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	sender := &fakeSender{state: gateway.StateOpen, sendErr: &gateway.SendError{Type: gateway.ErrorTypeClient, Err: errors.New("bad number")}}
	w := NewWorker("inst-1", "c1", q, sender, noopLimiter{}, DefaultRetryConfig(), nil, time.Minute, testLogger(), nil)

	w.process(ctx, entries[0])

	dlqDepth, err := q.DLQDepth(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), dlqDepth)

	depth, err := q.Depth(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), depth)
}

func TestWorkerProcessRequeuesOnConnectionError(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "inst-1"))

	_, err := q.Enqueue(ctx, Message{MessageID: "m1", Instance: "inst-1", To: "123", Text: "hi"})
	require.NoError(t, err)
	entries, err := q.ReadNew(ctx, "inst-1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	sender := &fakeSender{state: gateway.StateClosed}
	retry := RetryConfig{MaxDeliveries: 5, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	w := NewWorker("inst-1", "c1", q, sender, noopLimiter{}, retry, nil, time.Minute, testLogger(), nil)

	w.process(ctx, entries[0])

	require.Eventually(t, func() bool {
		depth, err := q.Depth(ctx, "inst-1")
		return err == nil && depth == 1
	}, time.Second, 10*time.Millisecond, "message must be re-appended to the stream after the backoff elapses")
}

func TestWorkerProcessMovesUnparseableEntryToDLQ(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "inst-1"))

	sender := &fakeSender{state: gateway.StateOpen}
	w := NewWorker("inst-1", "c1", q, sender, noopLimiter{}, DefaultRetryConfig(), nil, time.Minute, testLogger(), nil)

	w.process(ctx, Entry{ID: "0-1", Raw: []byte("not json"), ParseErr: errors.New("invalid character")})

	dlqDepth, err := q.DLQDepth(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), dlqDepth)
}

type fakeClaimer struct {
	claimed map[string]bool
}

func newFakeClaimer() *fakeClaimer { return &fakeClaimer{claimed: map[string]bool{}} }

func (f *fakeClaimer) Claim(ctx context.Context, logicalID string, ttl time.Duration) (bool, error) {
	if f.claimed[logicalID] {
		return false, nil
	}
	f.claimed[logicalID] = true
	return true, nil
}

func (f *fakeClaimer) Release(ctx context.Context, logicalID string) error {
	delete(f.claimed, logicalID)
	return nil
}

func TestWorkerProcessSkipsDuplicateSendOnRedelivery(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "inst-1"))

	_, err := q.Enqueue(ctx, Message{MessageID: "m1", Instance: "inst-1", To: "123", Text: "hi"})
	require.NoError(t, err)
	entries, err := q.ReadNew(ctx, "inst-1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	sender := &fakeSender{state: gateway.StateOpen}
	claims := newFakeClaimer()
	w := NewWorker("inst-1", "c1", q, sender, noopLimiter{}, DefaultRetryConfig(), claims, time.Minute, testLogger(), nil)

	w.process(ctx, entries[0])
	require.Equal(t, []string{"123"}, sender.sent, "first attempt must send and claim the key")

	// Simulate the same entry being redelivered (e.g. claimed orphan after
	// a crash between SendText succeeding and the ack landing): the send
	// claim from the first attempt is still held, so this must not send
	// again, only ack.
	w.process(ctx, entries[0])
	require.Equal(t, []string{"123"}, sender.sent, "redelivery of an already-sent entry must not send twice")
}

func TestWorkerProcessReleasesSendClaimOnFailedSend(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx, "inst-1"))

	_, err := q.Enqueue(ctx, Message{MessageID: "m1", Instance: "inst-1", To: "123", Text: "hi"})
	require.NoError(t, err)
	entries, err := q.ReadNew(ctx, "inst-1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	sender := &fakeSender{state: gateway.StateOpen, sendErr: &gateway.SendError{Type: gateway.ErrorTypeTimeout, Err: errors.New("timeout")}}
	claims := newFakeClaimer()
	retry := RetryConfig{MaxDeliveries: 5, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	w := NewWorker("inst-1", "c1", q, sender, noopLimiter{}, retry, claims, time.Minute, testLogger(), nil)

	w.process(ctx, entries[0])

	require.False(t, claims.claimed[idempotency.SentKey("m1")], "a failed send must release its claim so the retry can claim it again")
}

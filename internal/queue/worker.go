package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/funnelchat/wa-delivery/internal/gateway"
	"github.com/funnelchat/wa-delivery/internal/idempotency"
	"github.com/funnelchat/wa-delivery/internal/observability"
	"github.com/funnelchat/wa-delivery/internal/ratelimit"
)

// Sender is the subset of the gateway client a worker needs. Defined here
// so tests can substitute a fake without depending on the gateway package's
// transport internals.
type Sender interface {
	SendText(ctx context.Context, instance, to, text string) (bool, error)
	InstanceConnectionState(ctx context.Context, instance string) gateway.ConnectionState
}

// Limiter is the subset of the rate limiter a worker needs.
type Limiter interface {
	WaitForToken(ctx context.Context, instance string) error
}

// SendClaimer guards the moment between a successful SendText and its ack:
// claimed right before the send attempt and released if the attempt fails,
// so the claim only survives a crash between a successful send and the ack
// that was supposed to follow it. A redelivered entry that finds the claim
// already in place skips SendText entirely instead of sending twice.
type SendClaimer interface {
	Claim(ctx context.Context, logicalID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, logicalID string) error
}

// Worker delivers messages for exactly one instance, maintaining FIFO
// order for first-attempt deliveries (retries lose that ordering once
// re-appended to the stream tail, per the queue's ordering contract).
// Multiple Worker instances may run against the same instance
// concurrently; the consumer group guarantees each entry is delivered to
// exactly one of them.
type Worker struct {
	instance string
	consumer string

	queue        *Queue
	sender       Sender
	limiter      Limiter
	retry        RetryConfig
	claims       SendClaimer
	sendClaimTTL time.Duration
	log          *slog.Logger
	metrics      *observability.Metrics

	stopCh chan struct{}
	doneCh chan struct{}
	reqWG  sync.WaitGroup
}

func NewWorker(instance, consumer string, q *Queue, sender Sender, limiter Limiter, retry RetryConfig, claims SendClaimer, sendClaimTTL time.Duration, log *slog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		instance:     instance,
		consumer:     consumer,
		queue:        q,
		sender:       sender,
		limiter:      limiter,
		retry:        retry,
		claims:       claims,
		sendClaimTTL: sendClaimTTL,
		log:          log.With(slog.String("instance", instance), slog.String("consumer", consumer)),
		metrics:      metrics,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start registers the consumer and launches the processing loop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx, w.instance); err != nil {
		return err
	}
	if err := w.queue.RegisterConsumer(ctx, w.instance, w.consumer); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop signals the loop to exit and waits up to the context deadline for
// any in-flight entry to finish, then for any pending requeueAfter
// goroutines (scheduled retries still sleeping out their backoff) to
// either fire or be abandoned within whatever budget remains. A message
// whose backoff goroutine is killed before it requeues would otherwise be
// silently lost, since retryOrDeadLetter already ack'd the original entry
// before scheduling it.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	reqDone := make(chan struct{})
	go func() {
		w.reqWG.Wait()
		close(reqDone)
	}()
	select {
	case <-reqDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.doneCh)

	cursor := "0-0"
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		entries, next, err := w.queue.ClaimOrphans(ctx, w.instance, w.consumer, 15*time.Second, cursor)
		if err != nil {
			w.log.Error("claim orphans failed", slog.String("error", err.Error()))
			w.sleepBriefly(ctx)
			continue
		}
		cursor = next

		if len(entries) == 0 {
			entries, err = w.queue.ReadNew(ctx, w.instance, w.consumer, 10, 5*time.Second)
			if err != nil {
				w.log.Error("read new failed", slog.String("error", err.Error()))
				w.sleepBriefly(ctx)
				continue
			}
		}

		for _, entry := range entries {
			w.process(ctx, entry)
		}
	}
}

func (w *Worker) sleepBriefly(ctx context.Context) {
	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-w.stopCh:
	}
}

func (w *Worker) process(ctx context.Context, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic while processing entry", slog.String("entry_id", entry.ID), slog.Any("panic", r))
		}
	}()

	if entry.ParseErr != nil {
		w.log.Error("dropping unparseable entry", slog.String("entry_id", entry.ID), slog.String("error", entry.ParseErr.Error()))
		if err := w.queue.MoveRawToDLQ(ctx, w.instance, entry.Raw, "parse_error"); err != nil {
			w.log.Error("failed to move unparseable entry to dlq", slog.String("error", err.Error()))
		}
		if err := w.queue.Ack(ctx, w.instance, entry.ID); err != nil {
			w.log.Error("failed to ack unparseable entry", slog.String("error", err.Error()))
		}
		return
	}

	msg := entry.Message
	start := time.Now()

	if err := w.limiter.WaitForToken(ctx, w.instance); err != nil {
		// Context cancelled mid-wait; leave the entry pending for the next
		// claim_orphans pass rather than guessing at an outcome.
		return
	}

	if state := w.sender.InstanceConnectionState(ctx, w.instance); state != gateway.StateOpen {
		w.log.Debug("instance not open, treating as retryable", slog.String("state", string(state)))
		w.retryOrDeadLetter(ctx, entry, msg, fmt.Errorf("instance connection state is %s", state))
		return
	}

	sendKey := idempotency.SentKey(msg.MessageID)
	if w.claims != nil {
		claimed, err := w.claims.Claim(ctx, sendKey, w.sendClaimTTL)
		if err != nil {
			w.log.Error("send idempotency claim failed", slog.String("error", err.Error()))
			return
		}
		if !claimed {
			w.log.Info("message already marked sent, skipping duplicate send",
				slog.String("message_id", msg.MessageID), slog.String("entry_id", entry.ID))
			if err := w.queue.Ack(ctx, w.instance, entry.ID); err != nil {
				w.log.Error("failed to ack already-sent entry", slog.String("error", err.Error()))
			}
			if w.metrics != nil {
				w.metrics.WorkerDeliveries.WithLabelValues(w.instance, "duplicate_skipped").Inc()
			}
			return
		}
	}

	_, err := w.sender.SendText(ctx, w.instance, msg.To, msg.Text)
	duration := time.Since(start)

	if err != nil {
		if w.claims != nil {
			if relErr := w.claims.Release(ctx, sendKey); relErr != nil {
				w.log.Error("failed to release send claim after failed send", slog.String("error", relErr.Error()))
			}
		}
		if w.metrics != nil {
			w.metrics.WorkerDeliveryTime.WithLabelValues(w.instance).Observe(duration.Seconds())
		}
		w.retryOrDeadLetter(ctx, entry, msg, err)
		return
	}

	if err := w.queue.Ack(ctx, w.instance, entry.ID); err != nil {
		w.log.Error("failed to ack delivered entry", slog.String("error", err.Error()))
	}
	if w.metrics != nil {
		w.metrics.WorkerDeliveries.WithLabelValues(w.instance, "delivered").Inc()
		w.metrics.WorkerDeliveryTime.WithLabelValues(w.instance).Observe(duration.Seconds())
	}
	w.log.Debug("delivered message", slog.String("message_id", msg.MessageID), slog.Duration("duration", duration))
}

func (w *Worker) retryOrDeadLetter(ctx context.Context, entry Entry, msg Message, sendErr error) {
	errType := ClassifyDeliveryError(sendErr)
	newAttempts := msg.Attempts + 1

	if !IsRetryable(errType) || w.retry.ShouldDeadLetter(newAttempts) {
		if err := w.queue.MoveToDLQ(ctx, msg, sendErr.Error()); err != nil {
			w.log.Error("failed to move entry to dlq", slog.String("error", err.Error()))
		}
		if err := w.queue.Ack(ctx, w.instance, entry.ID); err != nil {
			w.log.Error("failed to ack dead-lettered entry", slog.String("error", err.Error()))
		}
		if w.metrics != nil {
			w.metrics.WorkerDeliveries.WithLabelValues(w.instance, "dead_letter").Inc()
		}
		observability.CaptureWorkerException(ctx, "queue.worker", w.consumer, w.instance, sendErr)
		return
	}

	backoff := w.retry.NextBackoff(newAttempts)
	if err := w.queue.Ack(ctx, w.instance, entry.ID); err != nil {
		w.log.Error("failed to ack entry before requeue", slog.String("error", err.Error()))
	}
	if w.metrics != nil {
		w.metrics.WorkerRetries.WithLabelValues(w.instance, errType).Inc()
		w.metrics.WorkerDeliveries.WithLabelValues(w.instance, "retry").Inc()
	}
	w.log.Info("scheduling retry",
		slog.String("message_id", msg.MessageID),
		slog.Int("attempts", newAttempts),
		slog.Duration("backoff", backoff),
		slog.String("error_type", errType))

	w.reqWG.Add(1)
	go func() {
		defer w.reqWG.Done()
		w.requeueAfter(context.WithoutCancel(ctx), msg, newAttempts, backoff)
	}()
}

func (w *Worker) requeueAfter(ctx context.Context, msg Message, newAttempts int, backoff time.Duration) {
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	msg.Attempts = newAttempts
	if _, err := w.queue.Enqueue(ctx, msg); err != nil {
		w.log.Error("failed to requeue message after backoff", slog.String("message_id", msg.MessageID), slog.String("error", err.Error()))
	}
}


// Package webhook implements the inbound intake endpoint for gateway
// events: resolve the webhook token, deduplicate via the idempotency
// store, normalise the event, and hand it off to the inbound stream —
// all within the 100ms budget the spec imposes, deferring any heavier
// processing to the consumers of that stream.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"

	"github.com/funnelchat/wa-delivery/internal/idempotency"
	"github.com/funnelchat/wa-delivery/internal/logging"
)

const ingressIdempotencyTTL = 24 * time.Hour

// TokenResolver resolves a webhook token to the instance it belongs to.
type TokenResolver interface {
	ResolveInstance(ctx context.Context, token string) (instanceName string, ok bool, err error)
}

// Claimer performs the idempotency-claim step.
type Claimer interface {
	Claim(ctx context.Context, logicalID string, ttl time.Duration) (bool, error)
}

// InboundEnqueuer hands a normalised inbound event off to the
// AI-pipeline-facing stream; its shape need not match the outbound queue.
type InboundEnqueuer interface {
	EnqueueInbound(ctx context.Context, instance string, event InboundEvent) error
}

// InboundEvent is the minimal normalised shape extracted from a gateway
// webhook payload.
type InboundEvent struct {
	From             string    `json:"from"`
	Text             string    `json:"text"`
	Instance         string    `json:"instance"`
	GatewayMessageID string    `json:"gateway_message_id"`
	ReceivedAt       time.Time `json:"received_at"`
}

// rawGatewayEvent is the subset of the gateway's envelope this handler
// needs to extract; provider-specific fields beyond these are ignored.
type rawGatewayEvent struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Text      string `json:"text"`
}

// Handler serves POST /webhooks/<provider>/<webhook_token>.
type Handler struct {
	resolver TokenResolver
	claims   Claimer
	enqueuer InboundEnqueuer
	log      *slog.Logger
}

func NewHandler(resolver TokenResolver, claims Claimer, enqueuer InboundEnqueuer, log *slog.Logger) *Handler {
	return &Handler{resolver: resolver, claims: claims, enqueuer: enqueuer, log: log}
}

func (h *Handler) Intake(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	instanceName, ok, err := h.resolver.ResolveInstance(r.Context(), token)
	if err != nil {
		h.log.Error("token resolve failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ctx := logging.WithInstance(r.Context(), instanceName)
	log := logging.ContextLogger(ctx, h.log)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var raw rawGatewayEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if raw.MessageID == "" {
		http.Error(w, "missing message id", http.StatusBadRequest)
		return
	}

	claimed, err := h.claims.Claim(ctx, idempotency.IngressKey(raw.MessageID), ingressIdempotencyTTL)
	if err != nil {
		log.Error("idempotency claim failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !claimed {
		w.WriteHeader(http.StatusOK)
		return
	}

	event := InboundEvent{
		From:             raw.From,
		Text:             raw.Text,
		Instance:         instanceName,
		GatewayMessageID: raw.MessageID,
		ReceivedAt:       time.Now().UTC(),
	}

	if err := h.enqueuer.EnqueueInbound(ctx, instanceName, event); err != nil {
		log.Error("failed to enqueue inbound event", slog.String("error", err.Error()))
	}

	w.WriteHeader(http.StatusOK)
}

// InboundStream is a thin Redis Streams wrapper for the
// wa:inbound:<instance> hand-off target consumed by the AI pipeline's
// own workers; this service's responsibility ends at a durable append.
type InboundStream struct {
	client *redis.Client
}

func NewInboundStream(client *redis.Client) *InboundStream {
	return &InboundStream{client: client}
}

func (s *InboundStream) EnqueueInbound(ctx context.Context, instance string, event InboundEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal inbound event: %w", err)
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "wa:inbound:" + instance,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err(); err != nil {
		return fmt.Errorf("enqueue inbound event for %s: %w", instance, err)
	}
	return nil
}

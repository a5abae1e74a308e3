package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	instance string
	ok       bool
	err      error
}

func (f fakeResolver) ResolveInstance(ctx context.Context, token string) (string, bool, error) {
	return f.instance, f.ok, f.err
}

type fakeClaimer struct {
	claimed map[string]bool
	err     error
}

func (f *fakeClaimer) Claim(ctx context.Context, logicalID string, ttl time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.claimed == nil {
		f.claimed = map[string]bool{}
	}
	if f.claimed[logicalID] {
		return false, nil
	}
	f.claimed[logicalID] = true
	return true, nil
}

type fakeEnqueuer struct {
	events []InboundEvent
	err    error
}

func (f *fakeEnqueuer) EnqueueInbound(ctx context.Context, instance string, event InboundEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/webhooks/{provider}/{token}", h.Intake)
	return r
}

func doIntake(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/evolution/tok-123", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rec, req)
	return rec
}

func TestIntakeReturns404ForUnknownToken(t *testing.T) {
	h := NewHandler(fakeResolver{ok: false}, &fakeClaimer{}, &fakeEnqueuer{}, testLogger())
	rec := doIntake(t, h, `{"message_id":"g1","from":"123","text":"hi"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntakeEnqueuesNewEvent(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	h := NewHandler(fakeResolver{instance: "inst-1", ok: true}, &fakeClaimer{}, enqueuer, testLogger())

	rec := doIntake(t, h, `{"message_id":"g1","from":"5511999999999","text":"hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, enqueuer.events, 1)
	require.Equal(t, "inst-1", enqueuer.events[0].Instance)
	require.Equal(t, "g1", enqueuer.events[0].GatewayMessageID)
}

func TestIntakeDeduplicatesRepeatedMessageID(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	claimer := &fakeClaimer{}
	h := NewHandler(fakeResolver{instance: "inst-1", ok: true}, claimer, enqueuer, testLogger())

	first := doIntake(t, h, `{"message_id":"dup-1","from":"1","text":"a"}`)
	second := doIntake(t, h, `{"message_id":"dup-1","from":"1","text":"a"}`)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	require.Len(t, enqueuer.events, 1, "the duplicate delivery must not be enqueued twice")
}

func TestIntakeRejectsMalformedBody(t *testing.T) {
	h := NewHandler(fakeResolver{instance: "inst-1", ok: true}, &fakeClaimer{}, &fakeEnqueuer{}, testLogger())
	rec := doIntake(t, h, `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntakeRejectsMissingMessageID(t *testing.T) {
	h := NewHandler(fakeResolver{instance: "inst-1", ok: true}, &fakeClaimer{}, &fakeEnqueuer{}, testLogger())
	rec := doIntake(t, h, `{"from":"1","text":"a"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntakeReturns500OnResolverError(t *testing.T) {
	h := NewHandler(fakeResolver{err: errors.New("redis down")}, &fakeClaimer{}, &fakeEnqueuer{}, testLogger())
	rec := doIntake(t, h, `{"message_id":"g1","from":"1","text":"a"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/funnelchat/wa-delivery/internal/observability"
	"github.com/funnelchat/wa-delivery/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConnectionChecker struct{ open bool }

func (f fakeConnectionChecker) IsOpen(ctx context.Context, instance string) bool { return f.open }

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client, queue.DefaultConfig(), testLogger(), observability.NewMetrics("test", prometheus.NewRegistry()))
}

func TestInstanceHealthRequiresInstanceParam(t *testing.T) {
	h := NewHandler(nil, nil, newTestQueue(t), fakeConnectionChecker{open: true}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health/whatsapp", nil)
	rec := httptest.NewRecorder()
	h.InstanceHealth(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstanceHealthReportsHealthyWhenShallowAndConnected(t *testing.T) {
	q := newTestQueue(t)
	h := NewHandler(nil, nil, q, fakeConnectionChecker{open: true}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/whatsapp?instance=inst-1", nil)
	rec := httptest.NewRecorder()
	h.InstanceHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp instanceHealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "healthy", resp.Status)
	require.True(t, resp.UpstreamConnected)
}

func TestInstanceHealthDegradedWhenDisconnected(t *testing.T) {
	q := newTestQueue(t)
	h := NewHandler(nil, nil, q, fakeConnectionChecker{open: false}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/whatsapp?instance=inst-1", nil)
	rec := httptest.NewRecorder()
	h.InstanceHealth(rec, req)

	var resp instanceHealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "degraded", resp.Status)
}

func TestInstanceHealthUnhealthyPastDepthThreshold(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 1001; i++ {
		_, err := q.Enqueue(ctx, queue.Message{MessageID: "m", Instance: "inst-1", To: "1", Text: "x"})
		require.NoError(t, err)
	}

	h := NewHandler(nil, nil, q, fakeConnectionChecker{open: true}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health/whatsapp?instance=inst-1", nil)
	rec := httptest.NewRecorder()
	h.InstanceHealth(rec, req)

	var resp instanceHealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "unhealthy", resp.Status)
	require.Equal(t, int64(1001), resp.QueueDepth)
}

func TestHealthzAlwaysReturnsOK(t *testing.T) {
	h := NewHandler(nil, nil, newTestQueue(t), fakeConnectionChecker{open: true}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

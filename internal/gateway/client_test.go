package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "secret"}, testLogger())
}

func TestNormalizeJID(t *testing.T) {
	require.Equal(t, "5511999999999@s.whatsapp.net", NormalizeJID("+55 11 99999-9999"))
	require.Equal(t, "5511999999999@s.whatsapp.net", NormalizeJID("5511999999999@s.whatsapp.net"))
	require.Equal(t, "5511999999999@s.whatsapp.net", NormalizeJID("5511999999999@g.us"))
}

func TestSendTextSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/message/sendText/inst-1", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("apikey"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "5511999999999@s.whatsapp.net", body["number"])
		w.WriteHeader(http.StatusOK)
	})

	ok, err := client.SendText(context.Background(), "inst-1", "+5511999999999", "hi")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSendTextClassifiesClientError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	ok, err := client.SendText(context.Background(), "inst-1", "5511999999999", "hi")
	require.False(t, ok)
	var se *SendError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrorTypeClient, se.Type)
}

func TestSendTextClassifiesServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.SendText(context.Background(), "inst-1", "5511999999999", "hi")
	var se *SendError
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrorTypeServer, se.Type)
}

func TestInstanceConnectionStateOpen(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"state": "open"})
	})
	require.Equal(t, StateOpen, client.InstanceConnectionState(context.Background(), "inst-1"))
}

func TestInstanceConnectionStateClosedOnTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	client := New(Config{BaseURL: srv.URL}, testLogger())
	require.Equal(t, StateClosed, client.InstanceConnectionState(context.Background(), "inst-1"))
}

func TestDeleteInstanceTreats404AsSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	require.NoError(t, client.DeleteInstance(context.Background(), "inst-1"))
}

func TestFetchAllInstancesDecodesList(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]string{"inst-1", "inst-2"})
	})
	names, err := client.FetchAllInstances(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"inst-1", "inst-2"}, names)
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(nil))
	require.True(t, Retryable(&SendError{Type: ErrorTypeServer}))
	require.True(t, Retryable(&SendError{Type: ErrorTypeConnection}))
}

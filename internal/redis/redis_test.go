package redis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewClientAppliesOptions(t *testing.T) {
	client := NewClient(Config{Addr: "localhost:6379", Username: "u", Password: "p", DB: 2})
	t.Cleanup(func() { _ = client.Close() })

	opts := client.Options()
	require.Equal(t, "localhost:6379", opts.Addr)
	require.Equal(t, "u", opts.Username)
	require.Equal(t, "p", opts.Password)
	require.Equal(t, 2, opts.DB)
	require.Nil(t, opts.TLSConfig)
}

func TestNewClientEnablesTLSWhenConfigured(t *testing.T) {
	client := NewClient(Config{Addr: "localhost:6379", TLSEnabled: true})
	t.Cleanup(func() { _ = client.Close() })

	require.NotNil(t, client.Options().TLSConfig)
}

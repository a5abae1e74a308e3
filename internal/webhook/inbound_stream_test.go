package webhook

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestEnqueueInboundAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stream := NewInboundStream(client)
	ctx := context.Background()

	err := stream.EnqueueInbound(ctx, "inst-1", InboundEvent{From: "123", Text: "hi", Instance: "inst-1", GatewayMessageID: "g1"})
	require.NoError(t, err)

	length, err := client.XLen(ctx, "wa:inbound:inst-1").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), length)
}

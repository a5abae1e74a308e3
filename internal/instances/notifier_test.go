package instances

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNotifierPublishesAddedAndRemoved(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	n := NewNotifier(client)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	added := n.SubscribeAdded(ctx)
	removed := n.SubscribeRemoved(ctx)

	// give the subscription goroutine time to register before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, n.NotifyAdded(ctx, "inst-1", "org-1"))
	require.NoError(t, n.NotifyRemoved(ctx, "inst-2", "org-1"))

	select {
	case name := <-added:
		require.Equal(t, "inst-1", name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for added notification")
	}

	select {
	case name := <-removed:
		require.Equal(t, "inst-2", name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for removed notification")
	}
}

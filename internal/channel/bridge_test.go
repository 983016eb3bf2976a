package channel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/reo/pkg/message"
)

func setupBridge(t *testing.T) (*Bridge, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	b, err := NewBridge(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestNewBridge(t *testing.T) {
	_, err := NewBridge(&redis.Options{Addr: "localhost:6379"}, "")
	assert.Error(t, err)

	_, err = NewBridgeURL("not a url", "x")
	assert.Error(t, err)

	b, _ := setupBridge(t)
	assert.NoError(t, b.Ping(context.Background()))
	assert.Equal(t, "reo:test-instance:events", EventsChannel(b.Instance()))
}

func TestBridgePublishSubscribe(t *testing.T) {
	b, mr := setupBridge(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	msg := mustMessage(t, message.TypeScanResult, message.ScanResult{Generation: 1, Count: 4, Status: "has_candidates"})
	require.NoError(t, b.Publish(ctx, msg))

	select {
	case got := <-sub.Events():
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, message.TypeScanResult, got.Type)
		var res message.ScanResult
		require.NoError(t, got.DecodePayload(&res))
		assert.Equal(t, 4, res.Count)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	mr.Publish(EventsChannel("test-instance"), "garbage")
	select {
	case err := <-sub.Errors():
		assert.ErrorIs(t, err, message.ErrMalformed)
	case <-time.After(2 * time.Second):
		t.Fatal("no decode error reported")
	}
}

func TestBridgeSubscriptionClose(t *testing.T) {
	b, _ := setupBridge(t)

	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

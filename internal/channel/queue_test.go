package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/reo/pkg/message"
)

func mustMessage(t *testing.T, typ message.Type, payload interface{}) *message.Message {
	t.Helper()
	msg, err := message.New(typ, "test", payload)
	require.NoError(t, err)
	return msg
}

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue(2)
	a := mustMessage(t, message.TypeStatus, nil)
	b := mustMessage(t, message.TypeStatus, nil)
	c := mustMessage(t, message.TypeStatus, nil)

	assert.False(t, q.Push(a))
	assert.False(t, q.Push(b))
	assert.True(t, q.Push(c), "third push evicts")

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	got, ok := q.TryPoll()
	require.True(t, ok)
	assert.Equal(t, b.ID, got.ID)
	got, ok = q.TryPoll()
	require.True(t, ok)
	assert.Equal(t, c.ID, got.ID)

	_, ok = q.TryPoll()
	assert.False(t, ok)
}

func TestQueuePollWaits(t *testing.T) {
	q := NewQueue(0)
	msg := mustMessage(t, message.TypeVisualChange, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(msg)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := q.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
}

func TestQueuePollHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewQueue(1).Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

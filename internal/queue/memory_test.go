package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_PollEmptyReturnsAfterWait(t *testing.T) {
	q := NewMemoryQueue(time.Second)

	start := time.Now()
	msgs, err := q.Poll(context.Background(), 10, 50*time.Millisecond)

	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueue_PollWakesOnSend(t *testing.T) {
	q := NewMemoryQueue(time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Send(context.Background(), []byte(`{"id":"a"}`))
	}()

	msgs, err := q.Poll(context.Background(), 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"id":"a"}`, string(msgs[0].Body))
	assert.Equal(t, 1, msgs[0].ReceiveCount)
	assert.NotEmpty(t, msgs[0].Receipt)
}

func TestMemoryQueue_RespectsMax(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Send(ctx, []byte("m")))
	}

	msgs, err := q.Poll(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	msgs, err = q.Poll(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMemoryQueue_AcknowledgeRemoves(t *testing.T) {
	q := NewMemoryQueue(30 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, []byte("m")))

	msgs, err := q.Poll(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.Acknowledge(ctx, msgs[0]))
	assert.Equal(t, 0, q.Len())

	msgs, err = q.Poll(ctx, 1, 60*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryQueue_RedeliversAfterVisibilityTimeout(t *testing.T) {
	q := NewMemoryQueue(30 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, []byte("m")))

	first, err := q.Poll(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// hidden while in flight
	none, err := q.Poll(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	second, err := q.Poll(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].ReceiveCount)
	assert.NotEqual(t, first[0].Receipt, second[0].Receipt)

	// the first receipt no longer owns the message
	assert.ErrorIs(t, q.Acknowledge(ctx, first[0]), ErrStaleReceipt)
	assert.NoError(t, q.Acknowledge(ctx, second[0]))
}

func TestMemoryQueue_AcknowledgeTwiceIsStale(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, []byte("m")))

	msgs, err := q.Poll(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.Acknowledge(ctx, msgs[0]))
	assert.ErrorIs(t, q.Acknowledge(ctx, msgs[0]), ErrStaleReceipt)
}

func TestMemoryQueue_ExtendVisibility(t *testing.T) {
	q := NewMemoryQueue(30 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, []byte("m")))

	msgs, err := q.Poll(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.ExtendVisibility(ctx, msgs[0], time.Second))

	again, err := q.Poll(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again)

	assert.ErrorIs(t, q.ExtendVisibility(ctx, Message{ID: msgs[0].ID, Receipt: "bogus"}, time.Second), ErrStaleReceipt)
}

func TestMemoryQueue_PollCanceled(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Poll(ctx, 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Send(context.Background(), []byte("m")), ErrClosed)
	_, err := q.Poll(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

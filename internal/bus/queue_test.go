package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDeliversInOrderThenDrainsOnClose(t *testing.T) {
	q := NewQueue[int](4)
	for i := range 4 {
		require.NoError(t, q.TryPublish(i))
	}
	assert.ErrorIs(t, q.TryPublish(99), ErrQueueFull)
	assert.Equal(t, uint64(1), q.Dropped())
	q.Close()
	assert.ErrorIs(t, q.TryPublish(5), ErrQueueClosed)
	assert.ErrorIs(t, q.Publish(context.Background(), 5), ErrQueueClosed)

	var got []int
	require.NoError(t, q.Run(context.Background(), func(v int) error {
		got = append(got, v)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestQueueRunStopsOnHandlerError(t *testing.T) {
	q := NewQueue[string](2)
	require.NoError(t, q.TryPublish("a"))
	require.NoError(t, q.TryPublish("b"))
	boom := errors.New("boom")
	err := q.Run(context.Background(), func(v string) error {
		if v == "a" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, q.Len())
}

func TestQueuePublishHonoursContext(t *testing.T) {
	q := NewQueue[int](1)
	require.NoError(t, q.Publish(context.Background(), 1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, 2), context.DeadlineExceeded)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-task-engine/internal/queue"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan queue.Batch, 1)
	go func() {
		b, err := q.Dequeue(context.Background())
		if err == nil {
			result <- b
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), queue.Batch{TaskIDs: []int64{1, 2}}))
	select {
	case got := <-result:
		require.Equal(t, []int64{1, 2}, got.TaskIDs)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return batch")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewQueue(1).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	full := NewQueue(1)
	require.NoError(t, full.Enqueue(context.Background(), queue.Batch{TaskIDs: []int64{1}}))
	require.Equal(t, 1, full.Len())
	err = full.Enqueue(ctx, queue.Batch{})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueCloseDrainsThenReportsClosed(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), queue.Batch{TaskIDs: []int64{7}}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), queue.Batch{}), ErrClosed)
	b, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{7}, b.TaskIDs)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

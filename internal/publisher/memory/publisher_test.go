package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "task-events", tasks.Event{TaskID: 1, Status: tasks.StatusCompleted, ResultCount: 2})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)
	_, err = pub.Publish(ctx, "task-events", tasks.Event{TaskID: 1, Status: tasks.StatusFailed})
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	msgs[0].Topic = "modified"
	require.Equal(t, "task-events", pub.Messages()[0].Topic)

	require.Len(t, pub.Events(), 2)
	ev, ok := pub.EventFor(1)
	require.True(t, ok)
	require.Equal(t, tasks.StatusFailed, ev.Status)
	_, ok = pub.EventFor(2)
	require.False(t, ok)
}

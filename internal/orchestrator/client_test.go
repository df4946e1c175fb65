package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/mocks"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrape-task-engine/internal/id/uuid"
)

func TestDispatcherStartsWorkflow(t *testing.T) {
	t.Parallel()

	c := &mocks.Client{}
	ids := []int64{4, 5}
	c.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return strings.HasPrefix(o.ID, WorkflowIDPrefix+"-") &&
			o.TaskQueue == "q" &&
			o.RetryPolicy != nil && o.RetryPolicy.MaximumAttempts == 1
	}), WorkflowName, ids).Return(&mocks.WorkflowRun{}, nil).Once()

	d := NewDispatcher(c, "q", uuid.New(), nil)
	require.NoError(t, d.Dispatch(context.Background(), ids))
	require.NoError(t, d.Dispatch(context.Background(), nil))
	c.AssertExpectations(t)
}

func TestDispatcherWrapsStartError(t *testing.T) {
	t.Parallel()

	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, WorkflowName, mock.Anything).
		Return(nil, errors.New("unavailable")).Once()

	err := NewDispatcher(c, "", uuid.New(), nil).Dispatch(context.Background(), []int64{1})
	require.ErrorContains(t, err, "unavailable")
}

func TestZapLoggerBridge(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	l := NewLogger(zap.New(core))
	l.Info("worker started", "TaskQueue", "scraper-tasks")
	wl, ok := l.(log.WithLogger)
	require.True(t, ok)
	wl.With("task_id", 9).Error("poll failed", "Error", "boom")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "temporal", entries[0].LoggerName)
	require.Equal(t, "scraper-tasks", entries[0].ContextMap()["TaskQueue"])
	require.EqualValues(t, 9, entries[1].ContextMap()["task_id"])
	require.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestFailureMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "plain", failureMessage(errors.New("plain")))
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-task-engine/internal/aggregate"
	"github.com/JakeFAU/scrape-task-engine/internal/executor"
	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// Activities are the Temporal activities for task execution.
type Activities struct {
	exec        *executor.Executor
	store       tasks.Store
	aggregator  *aggregate.Aggregator
	clock       tasks.Clock
	maxAttempts int
	logger      *zap.Logger
}

// NewActivities wires the activities. maxAttempts must match the activity
// retry policy so the last attempt records its failure.
func NewActivities(
	exec *executor.Executor,
	store tasks.Store,
	aggregator *aggregate.Aggregator,
	clock tasks.Clock,
	maxAttempts int,
	logger *zap.Logger,
) *Activities {
	return &Activities{
		exec:        exec,
		store:       store,
		aggregator:  aggregator,
		clock:       clock,
		maxAttempts: maxAttempts,
		logger:      logging.OrNop(logger),
	}
}

// RunTask executes one task. Retryable failures before the last attempt
// leave the task InProgress and return a retryable error; everything else
// is recorded by the executor before the error is returned.
func (a *Activities) RunTask(ctx context.Context, taskID int64) (TaskResult, error) {
	info := activity.GetInfo(ctx)
	final := int(info.Attempt) >= a.maxAttempts
	heartbeat := func() { activity.RecordHeartbeat(ctx) }
	res, err := runOnce(ctx, a.exec, taskID, heartbeat, final)
	if err != nil {
		a.logger.Warn("task attempt failed",
			zap.Int64("task_id", taskID),
			zap.Int32("attempt", info.Attempt),
			zap.Bool("final", final),
			zap.Error(err),
		)
	}
	return res, err
}

// MarkTasksFailed records failures for tasks whose activities gave up and
// folds failed children into their parents.
func (a *Activities) MarkTasksFailed(ctx context.Context, failures []tasks.Failure) error {
	return markFailed(ctx, a.store, a.aggregator, a.clock, failures, a.logger)
}

// runOnce runs a single attempt for taskID and converts the outcome into a
// Temporal application error carrying the failure kind as its type.
func runOnce(
	ctx context.Context,
	exec *executor.Executor,
	taskID int64,
	heartbeat scraper.Heartbeat,
	final bool,
) (TaskResult, error) {
	outcomes, err := exec.ProcessTasks(ctx, []int64{taskID}, executor.RunOptions{
		Heartbeat:      heartbeat,
		DeferRetryable: !final,
	})
	if err != nil {
		if errors.Is(err, tasks.ErrUnknownScraper) {
			return TaskResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnknownScraper, err)
		}
		return TaskResult{}, fmt.Errorf("process task %d: %w", taskID, err)
	}
	if len(outcomes) == 0 {
		// Deleted since dispatch.
		return TaskResult{TaskID: taskID, Skipped: true}, nil
	}
	o := outcomes[0]
	res := TaskResult{TaskID: o.TaskID, Status: o.Status, ResultCount: o.ResultCount, Skipped: o.Skipped}
	if o.Err == nil {
		return res, nil
	}
	kind := string(scraper.KindOf(o.Err))
	if !o.Retryable {
		return res, temporal.NewNonRetryableApplicationError(o.Err.Error(), kind, o.Err)
	}
	return res, temporal.NewApplicationError(o.Err.Error(), kind, o.Err)
}

func markFailed(
	ctx context.Context,
	store tasks.Store,
	aggregator *aggregate.Aggregator,
	clock tasks.Clock,
	failures []tasks.Failure,
	logger *zap.Logger,
) error {
	if len(failures) == 0 {
		return nil
	}
	n, err := store.MarkFailed(ctx, failures, clock.Now())
	if err != nil {
		return fmt.Errorf("mark %d tasks failed: %w", len(failures), err)
	}
	logger.Info("recorded task failures", zap.Int("requested", len(failures)), zap.Int64("updated", n))
	if aggregator == nil {
		return nil
	}
	for _, f := range failures {
		t, err := store.GetTask(ctx, f.TaskID)
		if err != nil || t.ParentTaskID == nil {
			continue
		}
		if _, err := aggregator.CompleteParentIfPossible(ctx, *t.ParentTaskID, t.ID, nil); err != nil {
			return fmt.Errorf("aggregate failed child %d: %w", t.ID, err)
		}
	}
	return nil
}

// IsPermanent reports whether err is an application error marked non-retryable.
func IsPermanent(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.NonRetryable()
}

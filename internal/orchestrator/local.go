package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrape-task-engine/internal/aggregate"
	"github.com/JakeFAU/scrape-task-engine/internal/executor"
	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/retry"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// LocalRunner applies the activity retry policy in-process, for
// deployments without a Temporal cluster. Progress is lost if the process
// exits mid-batch; tasks left InProgress can be re-dispatched.
type LocalRunner struct {
	exec       *executor.Executor
	store      tasks.Store
	aggregator *aggregate.Aggregator
	clock      tasks.Clock
	cfg        Config
	logger     *zap.Logger
}

// NewLocalRunner builds a LocalRunner.
func NewLocalRunner(
	exec *executor.Executor,
	store tasks.Store,
	aggregator *aggregate.Aggregator,
	clock tasks.Clock,
	cfg Config,
	logger *zap.Logger,
) *LocalRunner {
	return &LocalRunner{
		exec:       exec,
		store:      store,
		aggregator: aggregator,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logging.OrNop(logger),
	}
}

// Run executes the batch like the workflow does: every task retried on its
// own, failures recorded together at the end. At most WorkerConcurrency
// tasks run at once. Tasks cut short by ctx are not marked Failed; they stay
// Pending or InProgress for the next dispatch.
func (r *LocalRunner) Run(ctx context.Context, taskIDs []int64) (Summary, error) {
	summary := Summary{Total: len(taskIDs)}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.cfg.WorkerConcurrency)
	for _, id := range taskIDs {
		g.Go(func() error {
			var err error
			if err = ctx.Err(); err == nil {
				err = r.runTask(ctx, id)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Succeeded++
			case ctx.Err() != nil:
				summary.Interrupted++
				r.logger.Info("task interrupted, leaving for re-dispatch", zap.Int64("task_id", id), zap.Error(err))
			default:
				summary.Failed = append(summary.Failed, tasks.Failure{TaskID: id, Message: failureMessage(err)})
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(summary.Failed) > 0 {
		// The batch write must land even when ctx ended mid-batch.
		markCtx := context.WithoutCancel(ctx)
		err := retry.Do(markCtx, retry.Fixed(r.cfg.MarkFailedAttempts, r.cfg.Retry.InitialInterval), func(int) error {
			return markFailed(markCtx, r.store, r.aggregator, r.clock, summary.Failed, r.logger)
		}, nil)
		if err != nil {
			return summary, err
		}
	}
	r.logger.Info("local batch settled",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", len(summary.Failed)),
		zap.Int("interrupted", summary.Interrupted),
	)
	return summary, nil
}

func (r *LocalRunner) runTask(ctx context.Context, id int64) error {
	maxAttempts := r.cfg.Retry.MaxAttempts
	return retry.Do(ctx, r.cfg.Retry, func(attempt int) error {
		_, err := runOnce(ctx, r.exec, id, nil, attempt >= maxAttempts)
		return err
	}, IsPermanent)
}

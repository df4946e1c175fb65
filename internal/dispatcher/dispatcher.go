// Package dispatcher queues task batches and fans them out to a pool of
// in-process workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/metrics"
	"github.com/JakeFAU/scrape-task-engine/internal/orchestrator"
	"github.com/JakeFAU/scrape-task-engine/internal/queue"
	"github.com/JakeFAU/scrape-task-engine/internal/queue/memory"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// Runner executes one batch to completion.
type Runner interface {
	Run(ctx context.Context, taskIDs []int64) (orchestrator.Summary, error)
}

// Dispatcher implements tasks.Dispatcher over a queue drained by workers.
type Dispatcher struct {
	queue   queue.Queue
	runner  Runner
	workers int
	clock   tasks.Clock
	logger  *zap.Logger
}

// New creates a Dispatcher with the given number of workers.
func New(q queue.Queue, runner Runner, workers int, clock tasks.Clock, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		queue:   q,
		runner:  runner,
		workers: workers,
		clock:   clock,
		logger:  logging.OrNop(logger),
	}
}

// Dispatch enqueues the batch. It blocks while the queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	ids := append([]int64(nil), taskIDs...)
	err := d.queue.Enqueue(ctx, queue.Batch{TaskIDs: ids, EnqueuedAt: d.clock.Now()})
	metrics.ObserveDispatch("local", err)
	if err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Run starts the workers and blocks until ctx ends or the queue is closed
// and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, d.logger.With(zap.Int("worker", worker)))
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, log *zap.Logger) {
	for {
		b, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			continue
		}
		log.Debug("batch dequeued", zap.Int("tasks", len(b.TaskIDs)), zap.Time("enqueued_at", b.EnqueuedAt))
		summary, err := d.runner.Run(ctx, b.TaskIDs)
		if err != nil {
			log.Error("batch run failed", zap.Int64s("task_ids", b.TaskIDs), zap.Error(err))
			continue
		}
		log.Info("batch finished",
			zap.Int("total", summary.Total),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", len(summary.Failed)),
		)
	}
}

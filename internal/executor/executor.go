// Package executor claims batches of tasks and runs each one through its
// scraper as an isolated unit, recording the outcome in the task store.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrape-task-engine/internal/aggregate"
	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/metrics"
	"github.com/JakeFAU/scrape-task-engine/internal/retry"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

var tracer = otel.Tracer("github.com/JakeFAU/scrape-task-engine/internal/executor")

// Config controls Executor behavior.
type Config struct {
	// MaxConcurrency caps units running at once; <= 0 means unbounded.
	MaxConcurrency int
	// StoreRetry bounds retries of store writes made by a unit.
	StoreRetry retry.Policy
	// Topic receives task events; empty disables publishing.
	Topic string
}

// RunOptions tune one ProcessTasks call.
type RunOptions struct {
	// Heartbeat is forwarded to scrapers and called at unit start and end.
	Heartbeat scraper.Heartbeat
	// DeferRetryable leaves tasks with retryable failures InProgress so the
	// caller can run them again. Non-retryable failures are always recorded.
	DeferRetryable bool
}

// Outcome is what one unit did with its task.
type Outcome struct {
	TaskID      int64
	ScraperName string
	Status      tasks.Status
	ResultCount int
	// Err is the scraper or store error, nil on success.
	Err error
	// Retryable reports whether Err may succeed on another attempt.
	Retryable bool
	// Deferred is set when a retryable failure was left for the caller.
	Deferred bool
	// Skipped is set when the task was already terminal.
	Skipped bool
}

// Executor runs task batches.
type Executor struct {
	store      tasks.Store
	registry   *scraper.Registry
	aggregator *aggregate.Aggregator
	publisher  tasks.Publisher
	clock      tasks.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs an Executor. publisher may be nil.
func New(
	store tasks.Store,
	registry *scraper.Registry,
	aggregator *aggregate.Aggregator,
	publisher tasks.Publisher,
	clock tasks.Clock,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		store:      store,
		registry:   registry,
		aggregator: aggregator,
		publisher:  publisher,
		clock:      clock,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
	}
}

// ProcessTasks loads the tasks, validates every scraper name, claims the
// batch in one statement and runs one unit per task concurrently.
// A batch-level error (load, unknown scraper, claim) is returned before any
// unit starts; unknown scrapers are detected before any task is mutated.
// Unit failures are reported per task in the returned outcomes, ordered
// like Store.GetTasks. Terminal tasks are skipped, but a terminal child not
// yet folded into its parent is aggregated again.
func (e *Executor) ProcessTasks(ctx context.Context, ids []int64, opts RunOptions) ([]Outcome, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	loaded, err := e.store.GetTasks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	outcomes := make([]Outcome, len(loaded))
	runnable := make([]tasks.Task, 0, len(loaded))
	index := make([]int, 0, len(loaded))
	for i, t := range loaded {
		if t.Status.IsTerminal() {
			outcomes[i] = Outcome{TaskID: t.ID, ScraperName: t.ScraperName, Status: t.Status, Skipped: true}
			e.refold(ctx, t)
			continue
		}
		runnable = append(runnable, t)
		index = append(index, i)
	}
	if len(runnable) == 0 {
		return outcomes, nil
	}

	scrapers := make([]scraper.Scraper, len(runnable))
	for i, t := range runnable {
		s, err := e.registry.Lookup(t.ScraperName)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", t.ID, err)
		}
		scrapers[i] = s
	}

	claimIDs := make([]int64, len(runnable))
	var parentIDs []int64
	seenParent := map[int64]struct{}{}
	for i, t := range runnable {
		claimIDs[i] = t.ID
		if t.ParentTaskID == nil {
			continue
		}
		if _, ok := seenParent[*t.ParentTaskID]; !ok {
			seenParent[*t.ParentTaskID] = struct{}{}
			parentIDs = append(parentIDs, *t.ParentTaskID)
		}
	}
	var claimed int64
	err = e.withStoreRetry(ctx, func() error {
		var claimErr error
		claimed, claimErr = e.store.ClaimTasks(ctx, claimIDs, parentIDs, e.clock.Now())
		return claimErr
	})
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	e.logger.Debug("batch claimed",
		zap.Int("tasks", len(claimIDs)),
		zap.Int("parents", len(parentIDs)),
		zap.Int64("rows", claimed),
	)

	var g errgroup.Group
	if e.cfg.MaxConcurrency > 0 {
		g.SetLimit(e.cfg.MaxConcurrency)
	}
	for i := range runnable {
		g.Go(func() error {
			outcomes[index[i]] = e.runUnit(ctx, runnable[i], scrapers[i], opts)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

func (e *Executor) runUnit(ctx context.Context, task tasks.Task, s scraper.Scraper, opts RunOptions) Outcome {
	metrics.IncActiveUnits()
	defer metrics.DecActiveUnits()
	ctx, span := tracer.Start(ctx, "task.run", trace.WithAttributes(
		attribute.Int64("task.id", task.ID),
		attribute.String("task.scraper", task.ScraperName),
	))
	defer span.End()

	log := logging.ForTask(e.logger, task.ID, task.ScraperName)
	beat := func() {
		if opts.Heartbeat != nil {
			opts.Heartbeat()
		}
	}
	beat()
	defer beat()

	started := time.Now()
	result, runErr := e.runScraper(ctx, s, scraper.Input{TaskID: task.ID, Data: task.Data, Heartbeat: opts.Heartbeat})
	out := Outcome{TaskID: task.ID, ScraperName: task.ScraperName}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(scraper.KindOf(runErr)))
	}

	var items []json.RawMessage
	if runErr == nil {
		var payload json.RawMessage
		var err error
		items, payload, err = encodeResult(result)
		if err != nil {
			runErr = scraper.Other("", fmt.Errorf("encode result: %w", err))
		} else {
			return e.complete(ctx, task, items, payload, started, log)
		}
	}

	out.Err = runErr
	out.Retryable = scraper.IsRetryable(runErr)
	if opts.DeferRetryable && out.Retryable {
		out.Status = tasks.StatusInProgress
		out.Deferred = true
		log.Warn("scrape failed, leaving task for retry", zap.Error(runErr))
		return out
	}

	var applied int64
	err := e.withStoreRetry(ctx, func() error {
		var failErr error
		applied, failErr = e.store.MarkFailed(ctx, []tasks.Failure{{TaskID: task.ID, Message: runErr.Error()}}, e.clock.Now())
		return failErr
	})
	if err != nil {
		out.Status = tasks.StatusInProgress
		out.Err = fmt.Errorf("record failure: %w (scrape error: %v)", err, runErr)
		out.Retryable = true
		log.Error("record failure", zap.Error(err))
		return out
	}
	out.Status = tasks.StatusFailed
	if applied == 0 {
		out.Status = e.currentStatus(ctx, task.ID, tasks.StatusAborted)
	} else {
		log.Warn("task failed", zap.Error(runErr), zap.String("kind", string(scraper.KindOf(runErr))))
		metrics.ObserveFinished(task.ScraperName, string(tasks.StatusFailed), time.Since(started))
		e.publish(ctx, tasks.Event{
			TaskID:      task.ID,
			ScraperName: task.ScraperName,
			Status:      tasks.StatusFailed,
			Error:       runErr.Error(),
			FinishedAt:  e.clock.Now(),
		}, log)
	}
	e.aggregate(ctx, task, nil, log)
	return out
}

func (e *Executor) complete(
	ctx context.Context,
	task tasks.Task,
	items []json.RawMessage,
	payload json.RawMessage,
	started time.Time,
	log *zap.Logger,
) Outcome {
	out := Outcome{TaskID: task.ID, ScraperName: task.ScraperName}
	var applied bool
	err := e.withStoreRetry(ctx, func() error {
		var markErr error
		applied, markErr = e.store.MarkCompleted(ctx, task.ID, payload, len(items), e.clock.Now())
		return markErr
	})
	if err != nil {
		out.Status = tasks.StatusInProgress
		out.Err = fmt.Errorf("record completion: %w", err)
		out.Retryable = true
		log.Error("record completion", zap.Error(err))
		return out
	}
	if !applied {
		// Lost the race with an abort; the parent gets nothing from this child.
		out.Status = e.currentStatus(ctx, task.ID, tasks.StatusAborted)
		log.Info("completion skipped, task no longer in progress", zap.String("status", string(out.Status)))
		e.aggregate(ctx, task, nil, log)
		return out
	}

	out.Status = tasks.StatusCompleted
	out.ResultCount = len(items)
	log.Info("task completed", zap.Int("result_count", len(items)))
	metrics.ObserveFinished(task.ScraperName, string(tasks.StatusCompleted), time.Since(started))
	e.publish(ctx, tasks.Event{
		TaskID:      task.ID,
		ScraperName: task.ScraperName,
		Status:      tasks.StatusCompleted,
		ResultCount: len(items),
		FinishedAt:  e.clock.Now(),
	}, log)
	e.aggregate(ctx, task, items, log)
	return out
}

func (e *Executor) runScraper(ctx context.Context, s scraper.Scraper, in scraper.Input) (res scraper.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("scraper panicked",
				zap.Int64("task_id", in.TaskID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = nil
			err = scraper.Other("", fmt.Errorf("panic: %v", r))
		}
	}()
	return s.Run(ctx, in)
}

func (e *Executor) aggregate(ctx context.Context, task tasks.Task, items []json.RawMessage, log *zap.Logger) {
	if task.ParentTaskID == nil || e.aggregator == nil {
		return
	}
	if _, err := e.aggregator.CompleteParentIfPossible(ctx, *task.ParentTaskID, task.ID, items); err != nil {
		log.Error("aggregate into parent", zap.Int64("parent_id", *task.ParentTaskID), zap.Error(err))
	}
}

// refold aggregates a terminal child whose earlier run stopped between the
// status write and the parent update. Completed children contribute their
// stored items; failed and aborted children contribute none.
func (e *Executor) refold(ctx context.Context, task tasks.Task) {
	if task.ParentTaskID == nil || task.AggregatedAt != nil {
		return
	}
	log := logging.ForTask(e.logger, task.ID, task.ScraperName)
	var items []json.RawMessage
	if task.Status == tasks.StatusCompleted && len(task.Result) > 0 {
		if err := json.Unmarshal(task.Result, &items); err != nil {
			log.Error("decode stored result for aggregation", zap.Error(err))
			return
		}
	}
	log.Info("folding settled child into parent", zap.Int64("parent_id", *task.ParentTaskID))
	e.aggregate(ctx, task, items, log)
}

func (e *Executor) publish(ctx context.Context, ev tasks.Event, log *zap.Logger) {
	if e.publisher == nil || e.cfg.Topic == "" {
		return
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.Topic, ev); err != nil {
		log.Warn("publish task event", zap.Error(err))
	}
}

func (e *Executor) currentStatus(ctx context.Context, id int64, fallback tasks.Status) tasks.Status {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return fallback
	}
	return t.Status
}

func (e *Executor) withStoreRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, e.cfg.StoreRetry, func(int) error { return fn() }, nil)
}

// encodeResult converts a scraper result into stored items and the JSON
// array persisted as the task result.
func encodeResult(res scraper.Result) ([]json.RawMessage, json.RawMessage, error) {
	items := make([]json.RawMessage, 0, len(res))
	for i, item := range res {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, raw)
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, nil, fmt.Errorf("result list: %w", err)
	}
	return items, payload, nil
}

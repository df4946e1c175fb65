package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-task-engine/internal/aggregate"
	"github.com/JakeFAU/scrape-task-engine/internal/clock/system"
	pubmemory "github.com/JakeFAU/scrape-task-engine/internal/publisher/memory"
	"github.com/JakeFAU/scrape-task-engine/internal/retry"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper/scrapertest"
	"github.com/JakeFAU/scrape-task-engine/internal/storage/memory"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store *memory.TaskStore
	pub   *pubmemory.Publisher
	exec  *Executor
}

func newHarness(t *testing.T, scrapers ...scraper.Scraper) harness {
	t.Helper()
	reg, err := scraper.NewRegistry(scrapers...)
	require.NoError(t, err)
	store := memory.NewTaskStore()
	clock := system.NewManual(testNow)
	pub := pubmemory.New()
	agg := aggregate.New(store, clock, retry.Fixed(1, 0), nil)
	exec := New(store, reg, agg, pub, clock, Config{
		MaxConcurrency: 3,
		StoreRetry:     retry.Fixed(2, 0),
		Topic:          "task-events",
	}, nil)
	return harness{store: store, pub: pub, exec: exec}
}

func (h harness) seed(t *testing.T, name string, n int, parent *int64) []int64 {
	t.Helper()
	news := make([]tasks.NewTask, n)
	for i := range news {
		news[i] = tasks.NewTask{
			SortID:       int64(1000 - i),
			ScraperName:  name,
			ParentTaskID: parent,
			Data:         json.RawMessage(`{"url":"https://example.com"}`),
			CreatedAt:    testNow,
		}
	}
	created, err := h.store.CreateTasks(context.Background(), news)
	require.NoError(t, err)
	ids := make([]int64, len(created))
	for i, c := range created {
		ids[i] = c.ID
	}
	return ids
}

func (h harness) status(t *testing.T, id int64) tasks.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func okScraper(name string) *scrapertest.Func {
	return scrapertest.New(name, func(_ context.Context, in scraper.Input) (scraper.Result, error) {
		return scraper.Result{map[string]any{"task": in.TaskID}}, nil
	})
}

func TestProcessTasksRecordsSuccessAndFailure(t *testing.T) {
	t.Parallel()

	good := okScraper("good")
	bad := scrapertest.New("bad", func(context.Context, scraper.Input) (scraper.Result, error) {
		return nil, scraper.BotDetected("https://example.com")
	})
	h := newHarness(t, good, bad)
	goodIDs := h.seed(t, "good", 2, nil)
	badIDs := h.seed(t, "bad", 1, nil)

	var beats atomic.Int32
	outcomes, err := h.exec.ProcessTasks(context.Background(), append(goodIDs, badIDs...), RunOptions{
		Heartbeat: func() { beats.Add(1) },
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	for _, id := range goodIDs {
		task := h.status(t, id)
		require.Equal(t, tasks.StatusCompleted, task.Status)
		require.Equal(t, 1, task.ResultCount)
		var items []map[string]any
		require.NoError(t, json.Unmarshal(task.Result, &items))
		require.Len(t, items, task.ResultCount)
	}
	failed := h.status(t, badIDs[0])
	require.Equal(t, tasks.StatusFailed, failed.Status)
	require.JSONEq(t, `{"error":"BotDetected: https://example.com"}`, string(failed.Result))

	byID := map[int64]Outcome{}
	for _, o := range outcomes {
		byID[o.TaskID] = o
	}
	require.False(t, byID[badIDs[0]].Retryable)
	require.Equal(t, scraper.KindBotDetected, scraper.KindOf(byID[badIDs[0]].Err))

	require.Len(t, h.pub.Events(), 3)
	ev, ok := h.pub.EventFor(badIDs[0])
	require.True(t, ok)
	require.Equal(t, tasks.StatusFailed, ev.Status)
	// start and end of each unit, plus one from the fake scraper
	require.GreaterOrEqual(t, beats.Load(), int32(6))
}

func TestProcessTasksUnknownScraperFailsBatchBeforeClaim(t *testing.T) {
	t.Parallel()

	known := okScraper("scrape_md")
	h := newHarness(t, known)
	ids := h.seed(t, "scrape_md", 4, nil)
	ids = append(ids, h.seed(t, "missing", 1, nil)...)

	outcomes, err := h.exec.ProcessTasks(context.Background(), ids, RunOptions{})
	require.ErrorIs(t, err, tasks.ErrUnknownScraper)
	require.Nil(t, outcomes)
	for _, id := range ids {
		task := h.status(t, id)
		require.Equal(t, tasks.StatusPending, task.Status)
		require.Nil(t, task.StartedAt)
	}
	require.Zero(t, known.TotalCalls())
}

func TestProcessTasksDefersRetryableFailures(t *testing.T) {
	t.Parallel()

	flaky := scrapertest.New("flaky", func(context.Context, scraper.Input) (scraper.Result, error) {
		return nil, scraper.ChromeError("https://example.com")
	})
	h := newHarness(t, flaky)
	ids := h.seed(t, "flaky", 1, nil)

	outcomes, err := h.exec.ProcessTasks(context.Background(), ids, RunOptions{DeferRetryable: true})
	require.NoError(t, err)
	require.True(t, outcomes[0].Deferred)
	require.True(t, outcomes[0].Retryable)
	require.Equal(t, tasks.StatusInProgress, h.status(t, ids[0]).Status)
	require.Empty(t, h.pub.Events())

	// Re-drive on the final attempt records the failure.
	outcomes, err = h.exec.ProcessTasks(context.Background(), ids, RunOptions{})
	require.NoError(t, err)
	require.False(t, outcomes[0].Deferred)
	require.Equal(t, tasks.StatusFailed, h.status(t, ids[0]).Status)
	require.Equal(t, 2, flaky.Calls(ids[0]))
}

func TestProcessTasksNonRetryableIgnoresDefer(t *testing.T) {
	t.Parallel()

	bot := scrapertest.New("bot", func(context.Context, scraper.Input) (scraper.Result, error) {
		return nil, scraper.BotDetected("https://example.com")
	})
	h := newHarness(t, bot)
	ids := h.seed(t, "bot", 1, nil)

	outcomes, err := h.exec.ProcessTasks(context.Background(), ids, RunOptions{DeferRetryable: true})
	require.NoError(t, err)
	require.False(t, outcomes[0].Deferred)
	require.Equal(t, tasks.StatusFailed, outcomes[0].Status)
	require.Equal(t, tasks.StatusFailed, h.status(t, ids[0]).Status)
}

func TestProcessTasksIsolatesPanics(t *testing.T) {
	t.Parallel()

	panicky := scrapertest.New("panicky", func(_ context.Context, in scraper.Input) (scraper.Result, error) {
		if in.TaskID%2 == 0 {
			panic("nil map write")
		}
		return scraper.Result{"ok"}, nil
	})
	h := newHarness(t, panicky)
	ids := h.seed(t, "panicky", 4, nil)

	outcomes, err := h.exec.ProcessTasks(context.Background(), ids, RunOptions{})
	require.NoError(t, err)
	require.Len(t, outcomes, 4)
	for _, id := range ids {
		task := h.status(t, id)
		if id%2 == 0 {
			require.Equal(t, tasks.StatusFailed, task.Status)
			require.Contains(t, string(task.Result), "panic: nil map write")
			continue
		}
		require.Equal(t, tasks.StatusCompleted, task.Status)
	}
}

func TestProcessTasksSkipsTerminalTasks(t *testing.T) {
	t.Parallel()

	s := okScraper("scrape_md")
	h := newHarness(t, s)
	ids := h.seed(t, "scrape_md", 2, nil)
	ctx := context.Background()

	_, err := h.exec.ProcessTasks(ctx, ids[:1], RunOptions{})
	require.NoError(t, err)

	outcomes, err := h.exec.ProcessTasks(ctx, ids, RunOptions{})
	require.NoError(t, err)
	skipped := 0
	for _, o := range outcomes {
		if o.Skipped {
			skipped++
			require.Equal(t, tasks.StatusCompleted, o.Status)
		}
	}
	require.Equal(t, 1, skipped)
	require.Equal(t, 1, s.Calls(ids[0]))
	require.Equal(t, 1, s.Calls(ids[1]))
}

func TestProcessTasksAggregatesChildrenIntoParent(t *testing.T) {
	t.Parallel()

	s := okScraper("scrape_md")
	h := newHarness(t, s)
	parent := h.seed(t, "scrape_md", 1, nil)[0]
	children := h.seed(t, "scrape_md", 3, &parent)

	_, err := h.exec.ProcessTasks(context.Background(), children, RunOptions{})
	require.NoError(t, err)

	p := h.status(t, parent)
	require.Equal(t, tasks.StatusCompleted, p.Status)
	require.Equal(t, 3, p.ResultCount)
	require.NotNil(t, p.StartedAt)
	require.Zero(t, s.Calls(parent))
}

func TestProcessTasksRefoldsSettledChildren(t *testing.T) {
	t.Parallel()

	s := okScraper("scrape_md")
	h := newHarness(t, s)
	ctx := context.Background()
	parent := h.seed(t, "scrape_md", 1, nil)[0]
	children := h.seed(t, "scrape_md", 2, &parent)

	// Both children settled without reaching the parent, as after a crash
	// between the status write and aggregation.
	_, err := h.store.ClaimTasks(ctx, children, []int64{parent}, testNow)
	require.NoError(t, err)
	_, err = h.store.MarkFailed(ctx, []tasks.Failure{{TaskID: children[0], Message: "BotDetected"}}, testNow)
	require.NoError(t, err)
	applied, err := h.store.MarkCompleted(ctx, children[1], json.RawMessage(`[{"a":1},{"b":2}]`), 2, testNow)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, tasks.StatusInProgress, h.status(t, parent).Status)

	outcomes, err := h.exec.ProcessTasks(ctx, children, RunOptions{})
	require.NoError(t, err)
	for _, o := range outcomes {
		require.True(t, o.Skipped)
	}

	p := h.status(t, parent)
	require.Equal(t, tasks.StatusCompleted, p.Status)
	require.Equal(t, 2, p.ResultCount)
	require.JSONEq(t, `[{"a":1},{"b":2}]`, string(p.Result))
	require.Zero(t, s.Calls(children[0]))
	require.Zero(t, s.Calls(children[1]))

	// A second re-drive does not fold the children twice.
	_, err = h.exec.ProcessTasks(ctx, children, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, h.status(t, parent).ResultCount)
}

func TestProcessTasksAbortWinsOverCompletion(t *testing.T) {
	t.Parallel()

	var h harness
	aborting := scrapertest.New("scrape_md", func(ctx context.Context, in scraper.Input) (scraper.Result, error) {
		ok, err := h.store.Abort(ctx, in.TaskID, testNow)
		if err != nil || !ok {
			return nil, errors.New("abort did not apply")
		}
		return scraper.Result{"late"}, nil
	})
	h = newHarness(t, aborting)
	parent := h.seed(t, "scrape_md", 1, nil)[0]
	child := h.seed(t, "scrape_md", 1, &parent)[0]

	outcomes, err := h.exec.ProcessTasks(context.Background(), []int64{child}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, tasks.StatusAborted, outcomes[0].Status)
	require.Zero(t, outcomes[0].ResultCount)

	require.Equal(t, tasks.StatusAborted, h.status(t, child).Status)
	p := h.status(t, parent)
	require.Equal(t, tasks.StatusCompleted, p.Status)
	require.Zero(t, p.ResultCount)
	require.Empty(t, h.pub.Events())
}

func TestProcessTasksEmptyBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okScraper("scrape_md"))
	outcomes, err := h.exec.ProcessTasks(context.Background(), nil, RunOptions{})
	require.NoError(t, err)
	require.Empty(t, outcomes)
}

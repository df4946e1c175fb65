package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-task-engine/internal/clock/system"
	"github.com/JakeFAU/scrape-task-engine/internal/hash/sha256"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper/scrapertest"
	"github.com/JakeFAU/scrape-task-engine/internal/storage/memory"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newCreator(t *testing.T, enabled bool) (*Creator, *memory.TaskStore) {
	t.Helper()
	reg, err := scraper.NewRegistry(scrapertest.New("scrape_md", nil), scrapertest.New("scrape_html", nil))
	require.NoError(t, err)
	store := memory.NewTaskStore()
	return NewCreator(store, reg, sha256.New(), system.NewManual(testNow), enabled, nil), store
}

func urls(us ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(us))
	for i, u := range us {
		out[i] = json.RawMessage(`{"url":"` + u + `"}`)
	}
	return out
}

func TestCanonicalizeSortsKeysAndKeepsNumbers(t *testing.T) {
	t.Parallel()

	a, err := Canonicalize(json.RawMessage(`{ "b": 1.50, "a": {"z": true, "y": [3, 1e3]} }`))
	require.NoError(t, err)
	require.Equal(t, `{"a":{"y":[3,1e3],"z":true},"b":1.50}`, string(a))

	_, err = Canonicalize(json.RawMessage(`{"a":1} {"b":2}`))
	require.ErrorIs(t, err, tasks.ErrInvalidInput)
	_, err = Canonicalize(json.RawMessage(`{"a":`))
	require.ErrorIs(t, err, tasks.ErrInvalidInput)
}

func TestKeyIgnoresKeyOrderButNotScraper(t *testing.T) {
	t.Parallel()

	h := sha256.New()
	k1, err := Key(h, "scrape_md", json.RawMessage(`{"url":"u","remove_ul":true}`))
	require.NoError(t, err)
	k2, err := Key(h, "scrape_md", json.RawMessage(`{"remove_ul":true, "url":"u"}`))
	require.NoError(t, err)
	k3, err := Key(h, "scrape_html", json.RawMessage(`{"url":"u","remove_ul":true}`))
	require.NoError(t, err)

	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
	require.Regexp(t, `^scrape_md-[0-9a-f]{64}$`, k1)
}

func TestCreateTasksResubmitReturnsOriginals(t *testing.T) {
	t.Parallel()

	c, store := newCreator(t, true)
	ctx := context.Background()
	req := CreateRequest{ScraperName: "scrape_md", Inputs: urls("https://a", "https://b", "https://c")}

	first, err := c.CreateTasks(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Created, 3)
	require.Zero(t, first.CacheHits)
	keys := map[string]bool{}
	for i, task := range first.Tasks {
		require.Equal(t, tasks.StatusPending, task.Status)
		require.Equal(t, testNow.Unix()-int64(i+1), task.SortID)
		keys[task.CachedKey] = true
	}
	require.Len(t, keys, 3)

	second, err := c.CreateTasks(ctx, req)
	require.NoError(t, err)
	require.Empty(t, second.Created)
	require.Equal(t, 3, second.CacheHits)
	for i := range first.Tasks {
		require.Equal(t, first.Tasks[i].ID, second.Tasks[i].ID)
	}
	// Pending hits still need a dispatch.
	require.Equal(t, first.Created, second.Dispatchable())

	page, err := store.ListTasks(ctx, tasks.ListOptions{Page: 1, PerPage: 10})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
}

func TestCreateTasksAfterFailureInsertsFresh(t *testing.T) {
	t.Parallel()

	c, store := newCreator(t, true)
	ctx := context.Background()
	req := CreateRequest{ScraperName: "scrape_md", Inputs: urls("https://a")}

	first, err := c.CreateTasks(ctx, req)
	require.NoError(t, err)
	id := first.Tasks[0].ID
	_, err = store.ClaimTasks(ctx, []int64{id}, nil, testNow)
	require.NoError(t, err)

	// In progress is not cache-valid either.
	during, err := c.CreateTasks(ctx, req)
	require.NoError(t, err)
	require.Len(t, during.Created, 1)
	require.NotEqual(t, id, during.Tasks[0].ID)

	_, err = store.MarkFailed(ctx, []tasks.Failure{{TaskID: id, Message: "BotDetected"}}, testNow)
	require.NoError(t, err)
	_, err = store.ClaimTasks(ctx, []int64{during.Tasks[0].ID}, nil, testNow)
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, []tasks.Failure{{TaskID: during.Tasks[0].ID, Message: "x"}}, testNow)
	require.NoError(t, err)

	after, err := c.CreateTasks(ctx, req)
	require.NoError(t, err)
	require.Len(t, after.Created, 1)
	require.Zero(t, after.CacheHits)
}

func TestCreateTasksCompletedIsCacheHit(t *testing.T) {
	t.Parallel()

	c, store := newCreator(t, true)
	ctx := context.Background()
	req := CreateRequest{ScraperName: "scrape_md", Inputs: urls("https://a")}
	first, err := c.CreateTasks(ctx, req)
	require.NoError(t, err)
	id := first.Tasks[0].ID
	_, err = store.ClaimTasks(ctx, []int64{id}, nil, testNow)
	require.NoError(t, err)
	_, err = store.MarkCompleted(ctx, id, json.RawMessage(`[{"url":"https://a"}]`), 1, testNow)
	require.NoError(t, err)

	again, err := c.CreateTasks(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, again.CacheHits)
	require.Equal(t, tasks.StatusCompleted, again.Tasks[0].Status)
	require.Equal(t, 1, again.Tasks[0].ResultCount)
}

func TestCreateTasksCollapsesDuplicatesInOneRequest(t *testing.T) {
	t.Parallel()

	c, _ := newCreator(t, true)
	res, err := c.CreateTasks(context.Background(), CreateRequest{
		ScraperName: "scrape_md",
		Inputs:      []json.RawMessage{json.RawMessage(`{"url":"a","x":1}`), json.RawMessage(`{"x":1,"url":"a"}`)},
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	require.Equal(t, res.Tasks[0].ID, res.Tasks[1].ID)
}

func TestCreateTasksCachingDisabled(t *testing.T) {
	t.Parallel()

	c, _ := newCreator(t, false)
	ctx := context.Background()
	req := CreateRequest{ScraperName: "scrape_md", Inputs: urls("https://a", "https://a")}
	res, err := c.CreateTasks(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	for _, task := range res.Tasks {
		require.Empty(t, task.CachedKey)
	}
	again, err := c.CreateTasks(ctx, req)
	require.NoError(t, err)
	require.Len(t, again.Created, 2)
}

func TestCreateTasksValidation(t *testing.T) {
	t.Parallel()

	c, store := newCreator(t, true)
	ctx := context.Background()

	_, err := c.CreateTasks(ctx, CreateRequest{ScraperName: "nope", Inputs: urls("a")})
	require.ErrorIs(t, err, tasks.ErrUnknownScraper)

	_, err = c.CreateTasks(ctx, CreateRequest{ScraperName: "scrape_md"})
	require.ErrorIs(t, err, tasks.ErrInvalidInput)

	_, err = c.CreateTasks(ctx, CreateRequest{ScraperName: "scrape_md", Inputs: []json.RawMessage{json.RawMessage(`{`)}})
	require.ErrorIs(t, err, tasks.ErrInvalidInput)

	page, err := store.ListTasks(ctx, tasks.ListOptions{Page: 1, PerPage: 10})
	require.NoError(t, err)
	require.Zero(t, page.Total)
}

func TestCreateGroupChildrenSkipCache(t *testing.T) {
	t.Parallel()

	c, _ := newCreator(t, true)
	ctx := context.Background()
	_, err := c.CreateTasks(ctx, CreateRequest{ScraperName: "scrape_md", Inputs: urls("https://a")})
	require.NoError(t, err)

	group, err := c.CreateGroup(ctx, GroupRequest{ScraperName: "scrape_md", Inputs: urls("https://a", "https://b")})
	require.NoError(t, err)
	require.Equal(t, tasks.StatusPending, group.Parent.Status)
	require.Nil(t, group.Parent.ParentTaskID)
	require.Len(t, group.Children, 2)
	for _, child := range group.Children {
		require.NotNil(t, child.ParentTaskID)
		require.Equal(t, group.Parent.ID, *child.ParentTaskID)
		require.Empty(t, child.CachedKey)
	}
	require.Len(t, group.ChildIDs(), 2)
}

func TestCreateGroupRemovesParentOnBadInput(t *testing.T) {
	t.Parallel()

	c, store := newCreator(t, true)
	ctx := context.Background()
	_, err := c.CreateGroup(ctx, GroupRequest{ScraperName: "scrape_md", Inputs: []json.RawMessage{json.RawMessage(`nope`)}})
	require.ErrorIs(t, err, tasks.ErrInvalidInput)

	page, err := store.ListTasks(ctx, tasks.ListOptions{Page: 1, PerPage: 10})
	require.NoError(t, err)
	require.Zero(t, page.Total)
}

func TestCreateResultDispatchable(t *testing.T) {
	t.Parallel()

	res := CreateResult{Tasks: []tasks.Task{
		{ID: 1, Status: tasks.StatusPending},
		{ID: 2, Status: tasks.StatusCompleted},
		{ID: 1, Status: tasks.StatusPending},
		{ID: 3, Status: tasks.StatusInProgress},
		{ID: 4, Status: tasks.StatusFailed},
		{ID: 5, Status: tasks.StatusAborted},
	}}
	require.Equal(t, []int64{1, 3}, res.Dispatchable())
	require.Empty(t, CreateResult{}.Dispatchable())
}

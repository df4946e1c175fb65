// Package cache creates tasks, answering repeated inputs with existing tasks
// instead of new work.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/metrics"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// CreateRequest describes one creation call. Each input becomes one task.
type CreateRequest struct {
	ScraperName  string
	Inputs       []json.RawMessage
	Metadata     json.RawMessage
	IsSync       bool
	ParentTaskID *int64
}

// CreateResult holds the tasks for a request in input order.
type CreateResult struct {
	Tasks []tasks.Task
	// Created lists the ids persisted by this call.
	Created   []int64
	CacheHits int
}

// Dispatchable returns the distinct ids of tasks that have not reached a
// terminal state. Pending cache hits are included so a task whose earlier
// dispatch was lost runs on resubmission.
func (r CreateResult) Dispatchable() []int64 {
	seen := make(map[int64]struct{}, len(r.Tasks))
	ids := make([]int64, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		ids = append(ids, t.ID)
	}
	return ids
}

// GroupRequest creates a parent task whose result is the union of its children.
type GroupRequest struct {
	ScraperName string
	Inputs      []json.RawMessage
	Metadata    json.RawMessage
	IsSync      bool
}

// GroupResult is the parent and its children in input order.
type GroupResult struct {
	Parent   tasks.Task
	Children []tasks.Task
}

// ChildIDs returns the ids of the group's children.
func (g GroupResult) ChildIDs() []int64 {
	ids := make([]int64, len(g.Children))
	for i, c := range g.Children {
		ids[i] = c.ID
	}
	return ids
}

// Creator persists tasks with optional content-addressed reuse.
type Creator struct {
	store    tasks.Store
	registry *scraper.Registry
	hasher   tasks.Hasher
	clock    tasks.Clock
	enabled  bool
	logger   *zap.Logger
}

// NewCreator wires a Creator. When enabled is false every input creates a task.
func NewCreator(
	store tasks.Store,
	registry *scraper.Registry,
	hasher tasks.Hasher,
	clock tasks.Clock,
	enabled bool,
	logger *zap.Logger,
) *Creator {
	return &Creator{
		store:    store,
		registry: registry,
		hasher:   hasher,
		clock:    clock,
		enabled:  enabled,
		logger:   logging.OrNop(logger),
	}
}

// CreateTasks returns one task per input. Inputs matching a Pending or
// Completed task with the same key reuse it; misses are created Pending in
// a single transaction. Tasks with a parent are never cached.
func (c *Creator) CreateTasks(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := c.registry.Validate(req.ScraperName); err != nil {
		return CreateResult{}, err
	}
	if len(req.Inputs) == 0 {
		return CreateResult{}, fmt.Errorf("%w: at least one data item is required", tasks.ErrInvalidInput)
	}

	useCache := c.enabled && req.ParentTaskID == nil
	keys := make([]string, len(req.Inputs))
	for i, in := range req.Inputs {
		if useCache {
			key, err := Key(c.hasher, req.ScraperName, in)
			if err != nil {
				return CreateResult{}, fmt.Errorf("input %d: %w", i, err)
			}
			keys[i] = key
		} else if !json.Valid(in) {
			return CreateResult{}, fmt.Errorf("input %d: %w: malformed JSON", i, tasks.ErrInvalidInput)
		}
	}

	hits := map[string]tasks.Task{}
	if useCache {
		found, err := c.store.FindByCachedKeys(ctx, uniqueStrings(keys))
		if err != nil {
			return CreateResult{}, fmt.Errorf("find cached tasks: %w", err)
		}
		hits = found
	}

	now := c.clock.Now()
	var fresh []tasks.NewTask
	slot := make([]int, len(req.Inputs)) // index into fresh, or -1 for a hit
	freshByKey := map[string]int{}
	cacheHits := 0
	for i, in := range req.Inputs {
		key := keys[i]
		if key != "" {
			if _, ok := hits[key]; ok {
				slot[i] = -1
				cacheHits++
				continue
			}
			if j, ok := freshByKey[key]; ok {
				slot[i] = j
				continue
			}
		}
		slot[i] = len(fresh)
		if key != "" {
			freshByKey[key] = len(fresh)
		}
		fresh = append(fresh, tasks.NewTask{
			SortID:       now.Unix() - int64(i+1),
			ScraperName:  req.ScraperName,
			IsSync:       req.IsSync,
			ParentTaskID: req.ParentTaskID,
			Data:         in,
			Metadata:     req.Metadata,
			CachedKey:    key,
			CreatedAt:    now,
		})
	}

	var created []tasks.Task
	if len(fresh) > 0 {
		var err error
		created, err = c.store.CreateTasks(ctx, fresh)
		if err != nil {
			return CreateResult{}, fmt.Errorf("create tasks: %w", err)
		}
	}

	out := CreateResult{
		Tasks:     make([]tasks.Task, len(req.Inputs)),
		Created:   make([]int64, 0, len(created)),
		CacheHits: cacheHits,
	}
	for _, t := range created {
		out.Created = append(out.Created, t.ID)
	}
	for i := range req.Inputs {
		if slot[i] < 0 {
			out.Tasks[i] = hits[keys[i]]
			continue
		}
		out.Tasks[i] = created[slot[i]]
	}

	metrics.ObserveCreated(req.ScraperName, len(created), cacheHits)
	if cacheHits > 0 {
		c.logger.Info("tasks answered from cache",
			zap.String("scraper", req.ScraperName),
			zap.Int("cache_hits", cacheHits),
			zap.Int("inputs", len(req.Inputs)),
		)
	}
	return out, nil
}

// CreateGroup creates a parent task and one child per input. The parent is
// never dispatched; it completes when every child has been aggregated.
func (c *Creator) CreateGroup(ctx context.Context, req GroupRequest) (GroupResult, error) {
	if err := c.registry.Validate(req.ScraperName); err != nil {
		return GroupResult{}, err
	}
	if len(req.Inputs) == 0 {
		return GroupResult{}, fmt.Errorf("%w: a group needs at least one data item", tasks.ErrInvalidInput)
	}
	now := c.clock.Now()
	parents, err := c.store.CreateTasks(ctx, []tasks.NewTask{{
		SortID:      now.Unix(),
		ScraperName: req.ScraperName,
		IsSync:      req.IsSync,
		Metadata:    req.Metadata,
		CreatedAt:   now,
	}})
	if err != nil {
		return GroupResult{}, fmt.Errorf("create parent task: %w", err)
	}
	parent := parents[0]

	res, err := c.CreateTasks(ctx, CreateRequest{
		ScraperName:  req.ScraperName,
		Inputs:       req.Inputs,
		Metadata:     req.Metadata,
		IsSync:       req.IsSync,
		ParentTaskID: &parent.ID,
	})
	if err != nil {
		// Without children the parent can never complete.
		if _, delErr := c.store.Delete(ctx, parent.ID); delErr != nil {
			c.logger.Warn("remove childless parent", zap.Int64("task_id", parent.ID), zap.Error(delErr))
		}
		return GroupResult{}, err
	}
	c.logger.Info("task group created",
		zap.Int64("parent_id", parent.ID),
		zap.Int("children", len(res.Tasks)),
	)
	return GroupResult{Parent: parent, Children: res.Tasks}, nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// TaskStore provides an in-memory tasks.Store for development/testing.
type TaskStore struct {
	mu     sync.RWMutex
	nextID int64
	tasks  map[int64]tasks.Task
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[int64]tasks.Task)}
}

// CreateTasks stores new pending tasks atomically.
func (s *TaskStore) CreateTasks(_ context.Context, newTasks []tasks.NewTask) ([]tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nt := range newTasks {
		if nt.ParentTaskID != nil {
			if _, ok := s.tasks[*nt.ParentTaskID]; !ok {
				return nil, fmt.Errorf("%w: %d", tasks.ErrParentNotFound, *nt.ParentTaskID)
			}
		}
	}
	out := make([]tasks.Task, 0, len(newTasks))
	for _, nt := range newTasks {
		s.nextID++
		t := tasks.Task{
			ID:           s.nextID,
			Status:       tasks.StatusPending,
			SortID:       nt.SortID,
			ScraperName:  nt.ScraperName,
			IsSync:       nt.IsSync,
			ParentTaskID: cloneInt64(nt.ParentTaskID),
			Data:         cloneRaw(nt.Data),
			Metadata:     cloneRaw(nt.Metadata),
			CachedKey:    nt.CachedKey,
			CreatedAt:    nt.CreatedAt,
			UpdatedAt:    nt.CreatedAt,
		}
		s.tasks[t.ID] = t
		out = append(out, cloneTask(t))
	}
	return out, nil
}

// FindByCachedKeys returns pending or completed tasks keyed by fingerprint.
func (s *TaskStore) FindByCachedKeys(_ context.Context, keys []string) (map[string]tasks.Task, error) {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			want[k] = struct{}{}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := make(map[string]tasks.Task)
	for _, t := range s.sortedLocked() {
		if _, ok := want[t.CachedKey]; !ok {
			continue
		}
		if t.Status != tasks.StatusPending && t.Status != tasks.StatusCompleted {
			continue
		}
		if _, seen := found[t.CachedKey]; !seen {
			found[t.CachedKey] = cloneTask(t)
		}
	}
	return found, nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, id int64) (tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return tasks.Task{}, tasks.ErrNotFound
	}
	return cloneTask(t), nil
}

// GetTasks returns the matching tasks ordered by sort_id desc, is_sync desc.
func (s *TaskStore) GetTasks(_ context.Context, ids []int64) ([]tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{}, len(ids))
	out := make([]tasks.Task, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if t, ok := s.tasks[id]; ok {
			out = append(out, cloneTask(t))
		}
	}
	sortForClaim(out)
	return out, nil
}

// ListTasks returns one page ordered by sort_id desc.
func (s *TaskStore) ListTasks(_ context.Context, opts tasks.ListOptions) (tasks.TaskPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.sortedLocked()
	page := tasks.TaskPage{Total: len(all)}
	start := opts.Offset()
	if start >= len(all) {
		return page, nil
	}
	end := len(all)
	if opts.PerPage > 0 && start+opts.PerPage < end {
		end = start + opts.PerPage
	}
	for _, t := range all[start:end] {
		t = cloneTask(t)
		if !opts.WithResults {
			t = t.WithoutResult()
		}
		page.Tasks = append(page.Tasks, t)
	}
	return page, nil
}

// ClaimTasks moves claimable tasks and unstarted parents to InProgress.
func (s *TaskStore) ClaimTasks(_ context.Context, ids []int64, parentIDs []int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	touched := make(map[int64]struct{})
	for _, id := range ids {
		t, ok := s.tasks[id]
		if !ok || !t.Status.CanTransitionTo(tasks.StatusInProgress) {
			continue
		}
		t.Status = tasks.StatusInProgress
		t.StartedAt = timePtr(at)
		t.UpdatedAt = at
		s.tasks[id] = t
		touched[id] = struct{}{}
		n++
	}
	for _, id := range parentIDs {
		if _, done := touched[id]; done {
			continue
		}
		t, ok := s.tasks[id]
		if !ok || t.Status != tasks.StatusPending || t.StartedAt != nil {
			continue
		}
		t.Status = tasks.StatusInProgress
		t.StartedAt = timePtr(at)
		t.UpdatedAt = at
		s.tasks[id] = t
		touched[id] = struct{}{}
		n++
	}
	return n, nil
}

// MarkCompleted records a successful result if the task is still InProgress.
func (s *TaskStore) MarkCompleted(
	_ context.Context,
	id int64,
	result json.RawMessage,
	count int,
	at time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != tasks.StatusInProgress {
		return false, nil
	}
	t.Status = tasks.StatusCompleted
	t.Result = cloneRaw(result)
	t.ResultCount = count
	t.FinishedAt = timePtr(at)
	t.UpdatedAt = at
	s.tasks[id] = t
	return true, nil
}

// MarkFailed records failures for tasks that are not yet terminal.
func (s *TaskStore) MarkFailed(_ context.Context, failures []tasks.Failure, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, f := range failures {
		t, ok := s.tasks[f.TaskID]
		if !ok || t.Status.IsTerminal() {
			continue
		}
		payload, err := json.Marshal(tasks.ErrorPayload{Error: f.Message})
		if err != nil {
			return n, fmt.Errorf("marshal error payload: %w", err)
		}
		t.Status = tasks.StatusFailed
		t.Result = payload
		t.FinishedAt = timePtr(at)
		t.UpdatedAt = at
		s.tasks[f.TaskID] = t
		n++
	}
	return n, nil
}

// Abort moves a non-terminal task to Aborted once.
func (s *TaskStore) Abort(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, tasks.ErrNotFound
	}
	if t.FinishedAt != nil || t.Status.IsTerminal() {
		return false, nil
	}
	t.Status = tasks.StatusAborted
	t.FinishedAt = timePtr(at)
	t.UpdatedAt = at
	s.tasks[id] = t
	return true, nil
}

// Delete removes a task. Children and parents are left untouched.
func (s *TaskStore) Delete(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

// AggregateChild folds a terminal child's items into its parent.
func (s *TaskStore) AggregateChild(
	_ context.Context,
	parentID, childID int64,
	items []json.RawMessage,
	at time.Time,
) (tasks.AggregateOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out tasks.AggregateOutcome
	child, ok := s.tasks[childID]
	if !ok || !child.Status.IsTerminal() || child.AggregatedAt != nil {
		return out, nil
	}
	parent, ok := s.tasks[parentID]
	if !ok || parent.Status.IsTerminal() {
		return out, nil
	}
	merged, err := appendItems(parent.Result, items)
	if err != nil {
		return out, err
	}
	child.AggregatedAt = timePtr(at)
	s.tasks[childID] = child

	parent.Result = merged
	parent.ResultCount += len(items)
	parent.UpdatedAt = at
	out.Appended = true

	for _, t := range s.tasks {
		if t.ParentTaskID == nil || *t.ParentTaskID != parentID {
			continue
		}
		out.Children++
		if t.Status.IsTerminal() && t.AggregatedAt != nil {
			out.Settled++
		}
	}
	if out.Children == out.Settled {
		parent.Status = tasks.StatusCompleted
		parent.FinishedAt = timePtr(at)
		out.Completed = true
	}
	s.tasks[parentID] = parent
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *TaskStore) Close() {}

func (s *TaskStore) sortedLocked() []tasks.Task {
	all := make([]tasks.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].SortID != all[j].SortID {
			return all[i].SortID > all[j].SortID
		}
		return all[i].ID > all[j].ID
	})
	return all
}

func sortForClaim(ts []tasks.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].SortID != ts[j].SortID {
			return ts[i].SortID > ts[j].SortID
		}
		return ts[i].IsSync && !ts[j].IsSync
	})
}

func appendItems(existing json.RawMessage, items []json.RawMessage) (json.RawMessage, error) {
	var current []json.RawMessage
	if len(existing) > 0 && string(existing) != "null" {
		if err := json.Unmarshal(existing, &current); err != nil {
			return nil, fmt.Errorf("decode parent result: %w", err)
		}
	}
	current = append(current, items...)
	if current == nil {
		current = []json.RawMessage{}
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode parent result: %w", err)
	}
	return merged, nil
}

func cloneTask(t tasks.Task) tasks.Task {
	t.ParentTaskID = cloneInt64(t.ParentTaskID)
	t.Data = cloneRaw(t.Data)
	t.Metadata = cloneRaw(t.Metadata)
	t.Result = cloneRaw(t.Result)
	t.StartedAt = cloneTime(t.StartedAt)
	t.FinishedAt = cloneTime(t.FinishedAt)
	t.AggregatedAt = cloneTime(t.AggregatedAt)
	return t
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}

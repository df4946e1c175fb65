package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-task-engine/internal/cache"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

var okMessage = map[string]string{"message": "OK"}

type createRequest struct {
	ScraperName string          `json:"scraper_name"`
	Data        json.RawMessage `json:"data"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type groupResponse struct {
	Parent   tasks.Task   `json:"parent"`
	Children []tasks.Task `json:"children"`
}

type pageResponse struct {
	Count      int  `json:"count"`
	TotalPages int  `json:"total_pages"`
	Next       *int `json:"next"`
	Previous   *int `json:"previous"`
	Results    any  `json:"results"`
}

type resultsRequest struct {
	TaskIDs []int64 `json:"task_ids"`
}

type taskResults struct {
	TaskID      int64           `json:"task_id"`
	ScraperName string          `json:"scraper_name"`
	TaskData    json.RawMessage `json:"task_data"`
	Status      tasks.Status    `json:"status"`
	ResultCount int             `json:"result_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Results     json.RawMessage `json:"results"`
}

func (s *Server) listScrapers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"scrapers": s.deps.Registry.Names()})
}

func (s *Server) createTaskAsync(w http.ResponseWriter, r *http.Request) {
	created, single, ok := s.create(w, r, false)
	if !ok {
		return
	}
	writeTasks(w, http.StatusCreated, created.Tasks, single)
}

// createTaskSync creates the tasks and holds the request until every task is
// terminal or the sync timeout passes. A timeout answers 202 with the tasks
// as they stand.
func (s *Server) createTaskSync(w http.ResponseWriter, r *http.Request) {
	created, single, ok := s.create(w, r, true)
	if !ok {
		return
	}
	ids := make([]int64, len(created.Tasks))
	for i, t := range created.Tasks {
		ids[i] = t.ID
	}
	current, done, err := s.waitTerminal(r.Context(), ids)
	if err != nil {
		s.fail(w, r, "wait for tasks", err)
		return
	}
	status := http.StatusOK
	if !done {
		status = http.StatusAccepted
	}
	writeTasks(w, status, current, single)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, isSync bool) (cache.CreateResult, bool, bool) {
	req, inputs, single, err := decodeCreate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return cache.CreateResult{}, false, false
	}
	created, err := s.deps.Creator.CreateTasks(r.Context(), cache.CreateRequest{
		ScraperName: req.ScraperName,
		Inputs:      inputs,
		Metadata:    req.Metadata,
		IsSync:      isSync,
	})
	if err != nil {
		s.fail(w, r, "create tasks", err)
		return cache.CreateResult{}, false, false
	}
	if !s.dispatch(w, r, created.Dispatchable()) {
		return cache.CreateResult{}, false, false
	}
	return created, single, true
}

func (s *Server) createTaskGroup(w http.ResponseWriter, r *http.Request) {
	req, inputs, _, err := decodeCreate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	group, err := s.deps.Creator.CreateGroup(r.Context(), cache.GroupRequest{
		ScraperName: req.ScraperName,
		Inputs:      inputs,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.fail(w, r, "create task group", err)
		return
	}
	if !s.dispatch(w, r, group.ChildIDs()) {
		return
	}
	writeJSON(w, http.StatusCreated, groupResponse{Parent: group.Parent, Children: group.Children})
}

// dispatch hands ids to the execution backend. Tasks that fail to dispatch
// stay Pending in the store and are dispatched again when resubmitted.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ids []int64) bool {
	if len(ids) == 0 {
		return true
	}
	if err := s.deps.Dispatcher.Dispatch(r.Context(), ids); err != nil {
		s.logger.Error("dispatch tasks failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.Int64s("task_ids", ids),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "tasks created but could not be dispatched")
		return false
	}
	return true
}

func (s *Server) waitTerminal(ctx context.Context, ids []int64) ([]tasks.Task, bool, error) {
	timeout := s.cfg.SyncTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.SyncPollInterval)
	defer ticker.Stop()

	var current []tasks.Task
	for {
		// The last read happens after the deadline fires.
		list, err := s.deps.Store.GetTasks(context.WithoutCancel(ctx), ids)
		if err != nil {
			return nil, false, err
		}
		current = inOrder(ids, list)
		if allTerminal(current) {
			return current, true, nil
		}
		select {
		case <-ctx.Done():
			return current, false, nil
		case <-ticker.C:
		}
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := positiveParam(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "page: "+err.Error())
		return
	}
	perPage, err := positiveParam(q.Get("per_page"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "per_page: "+err.Error())
		return
	}
	withResults := true
	if raw := q.Get("with_results"); raw != "" {
		if withResults, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, "with_results must be a boolean")
			return
		}
	}

	opts := tasks.ListOptions{Page: page, PerPage: perPage, WithResults: withResults}
	list, err := s.deps.Store.ListTasks(r.Context(), opts)
	if err != nil {
		s.fail(w, r, "list tasks", err)
		return
	}
	size := perPage
	if size == 0 {
		size = max(list.Total, 1)
	}
	totalPages := max((list.Total+size-1)/size, 1)
	if page > totalPages {
		page = totalPages
		opts.Page = page
		if list, err = s.deps.Store.ListTasks(r.Context(), opts); err != nil {
			s.fail(w, r, "list tasks", err)
			return
		}
	}
	results := list.Tasks
	if results == nil {
		results = []tasks.Task{}
	}
	writeJSON(w, http.StatusOK, newPage(list.Total, page, size, totalPages, results))
}

func newPage(total, page, size, totalPages int, results any) pageResponse {
	resp := pageResponse{Count: total, TotalPages: totalPages, Results: results}
	if page*size < total {
		next := page + 1
		resp.Next = &next
	}
	if page > 1 {
		prev := page - 1
		resp.Previous = &prev
	}
	return resp
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTaskResults(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get task", err)
		return
	}
	results := task.Result
	if len(results) == 0 {
		results = json.RawMessage(`[]`)
	}
	writeJSON(w, http.StatusOK, pageResponse{Count: task.ResultCount, TotalPages: 1, Results: results})
}

func (s *Server) batchResults(w http.ResponseWriter, r *http.Request) {
	var req resultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "task_ids required")
		return
	}
	list, err := s.deps.Store.GetTasks(r.Context(), req.TaskIDs)
	if err != nil {
		s.fail(w, r, "get tasks", err)
		return
	}
	out := make([]taskResults, 0, len(list))
	for _, t := range list {
		out = append(out, taskResults{
			TaskID:      t.ID,
			ScraperName: t.ScraperName,
			TaskData:    t.Data,
			Status:      t.Status,
			ResultCount: t.ResultCount,
			UpdatedAt:   t.UpdatedAt,
			Results:     t.Result,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// abortTask aborts a pending or in-progress task. An aborted child is folded
// into its parent so the group can still complete.
func (s *Server) abortTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get task", err)
		return
	}
	aborted, err := s.deps.Store.Abort(r.Context(), id, s.deps.Clock.Now())
	if err != nil {
		s.fail(w, r, "abort task", err)
		return
	}
	if !aborted {
		s.fail(w, r, "abort task", fmt.Errorf("task %d is %s: %w", id, task.Status, tasks.ErrInvalidTransition))
		return
	}
	if task.ParentTaskID != nil && s.deps.Aggregator != nil {
		if _, err := s.deps.Aggregator.CompleteParentIfPossible(r.Context(), *task.ParentTaskID, id, nil); err != nil {
			s.logger.Warn("aggregate aborted child", zap.Int64("task_id", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, okMessage)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	deleted, err := s.deps.Store.Delete(r.Context(), id)
	if err != nil {
		s.fail(w, r, "delete task", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Task %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, okMessage)
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tasks.ErrUnknownScraper), errors.Is(err, tasks.ErrInvalidInput), errors.Is(err, tasks.ErrParentNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tasks.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error(op+" failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func decodeCreate(r *http.Request) (createRequest, []json.RawMessage, bool, error) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return createRequest{}, nil, false, errors.New("invalid JSON")
	}
	if req.ScraperName == "" {
		return createRequest{}, nil, false, errors.New("scraper_name required")
	}
	data := bytes.TrimSpace(req.Data)
	if len(data) == 0 {
		return createRequest{}, nil, false, errors.New("data required")
	}
	switch data[0] {
	case '{':
		return req, []json.RawMessage{data}, true, nil
	case '[':
		var inputs []json.RawMessage
		if err := json.Unmarshal(data, &inputs); err != nil {
			return createRequest{}, nil, false, errors.New("data must be an object or a list of objects")
		}
		if len(inputs) == 0 {
			return createRequest{}, nil, false, errors.New("data must not be empty")
		}
		for _, in := range inputs {
			if trimmed := bytes.TrimSpace(in); len(trimmed) == 0 || trimmed[0] != '{' {
				return createRequest{}, nil, false, errors.New("data must be an object or a list of objects")
			}
		}
		return req, inputs, false, nil
	default:
		return createRequest{}, nil, false, errors.New("data must be an object or a list of objects")
	}
}

func writeTasks(w http.ResponseWriter, status int, list []tasks.Task, single bool) {
	if single && len(list) == 1 {
		writeJSON(w, status, list[0])
		return
	}
	writeJSON(w, status, list)
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "task_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "task_id must be a positive integer")
		return 0, false
	}
	return id, true
}

func positiveParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, errors.New("must be a positive integer")
	}
	return v, nil
}

func inOrder(ids []int64, list []tasks.Task) []tasks.Task {
	byID := make(map[int64]tasks.Task, len(list))
	for _, t := range list {
		byID[t.ID] = t
	}
	out := make([]tasks.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func allTerminal(list []tasks.Task) bool {
	for _, t := range list {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

package tasks

import (
	"encoding/json"
	"time"
)

// Status enumerates the lifecycle states of a task.
type Status string

const (
	// StatusPending indicates the task is waiting to be claimed.
	StatusPending Status = "pending"
	// StatusInProgress indicates an executor has claimed the task.
	StatusInProgress Status = "in_progress"
	// StatusCompleted indicates the scraper returned a result.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the task failed terminally.
	StatusFailed Status = "failed"
	// StatusAborted indicates the task was aborted by a caller.
	StatusAborted Status = "aborted"
)

// TerminalStatuses lists the states no executor transition leaves.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusAborted}

// IsTerminal reports whether s is Completed, Failed or Aborted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine allows s -> next.
// InProgress -> InProgress is allowed so a crashed claim can be re-driven.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusAborted
	case StatusInProgress:
		switch next {
		case StatusInProgress, StatusCompleted, StatusFailed, StatusAborted:
			return true
		}
		return false
	default:
		return false
	}
}

// Task is the unit of work and its result.
type Task struct {
	ID           int64           `json:"id"`
	Status       Status          `json:"status"`
	SortID       int64           `json:"sort_id"`
	ScraperName  string          `json:"scraper_name"`
	IsSync       bool            `json:"is_sync"`
	ParentTaskID *int64          `json:"parent_task_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CachedKey    string          `json:"cached_key,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ResultCount  int             `json:"result_count"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	AggregatedAt *time.Time      `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// WithoutResult returns a copy of the task with the result payload dropped.
func (t Task) WithoutResult() Task {
	t.Result = nil
	return t
}

// NewTask carries the fields supplied at creation time.
type NewTask struct {
	SortID       int64
	ScraperName  string
	IsSync       bool
	ParentTaskID *int64
	Data         json.RawMessage
	Metadata     json.RawMessage
	CachedKey    string
	CreatedAt    time.Time
}

// Failure pairs a task with the message recorded when it failed.
type Failure struct {
	TaskID  int64  `json:"task_id"`
	Message string `json:"message"`
}

// ErrorPayload is the result stored for failed tasks.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ListOptions controls paginated listing.
type ListOptions struct {
	Page int
	// PerPage <= 0 returns every task.
	PerPage     int
	WithResults bool
}

// Offset returns the row offset for the requested page (1-based).
func (o ListOptions) Offset() int {
	if o.Page <= 1 {
		return 0
	}
	return (o.Page - 1) * o.PerPage
}

// TaskPage is one page of a task listing.
type TaskPage struct {
	Tasks []Task
	Total int
}

// AggregateOutcome reports what a child aggregation changed.
type AggregateOutcome struct {
	// Appended is true when the child's items were folded into the parent.
	Appended bool
	// Completed is true when this call moved the parent to Completed.
	Completed bool
	// Children and Settled are the counts observed by this call.
	Children int
	Settled  int
}

// Event describes a task reaching a terminal state.
type Event struct {
	TaskID      int64     `json:"task_id"`
	ScraperName string    `json:"scraper_name"`
	Status      Status    `json:"status"`
	ResultCount int       `json:"result_count"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

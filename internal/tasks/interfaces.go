package tasks

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Store persists tasks. Every mutating call is a conditional write that
// never moves a task out of a terminal state, except Abort.
type Store interface {
	CreateTasks(ctx context.Context, tasks []NewTask) ([]Task, error)
	FindByCachedKeys(ctx context.Context, keys []string) (map[string]Task, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	// GetTasks returns the tasks ordered by sort_id desc, is_sync desc.
	GetTasks(ctx context.Context, ids []int64) ([]Task, error)
	ListTasks(ctx context.Context, opts ListOptions) (TaskPage, error)
	// ClaimTasks moves the given tasks and any unstarted parents to InProgress.
	ClaimTasks(ctx context.Context, ids []int64, parentIDs []int64, at time.Time) (int64, error)
	MarkCompleted(ctx context.Context, id int64, result json.RawMessage, count int, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, failures []Failure, at time.Time) (int64, error)
	Abort(ctx context.Context, id int64, at time.Time) (bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
	AggregateChild(
		ctx context.Context,
		parentID, childID int64,
		items []json.RawMessage,
		at time.Time,
	) (AggregateOutcome, error)
	Close()
}

// Dispatcher hands pending task ids to an execution backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskIDs []int64) error
}

// Publisher emits task events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore persists scrape artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher hashes byte slices.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock provides time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

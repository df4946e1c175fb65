// Package queue defines the hand-off between task creation and local
// execution workers.
package queue

import (
	"context"
	"time"
)

// Batch is a group of task ids created by one request.
type Batch struct {
	TaskIDs    []int64
	EnqueuedAt time.Time
}

// Queue buffers batches until a worker takes them.
type Queue interface {
	Enqueue(ctx context.Context, b Batch) error
	Dequeue(ctx context.Context) (Batch, error)
	Close()
}

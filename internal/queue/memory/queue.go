// Package memory provides a bounded in-process batch queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrape-task-engine/internal/queue"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan queue.Batch
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan queue.Batch, capacity),
	}
}

// Enqueue pushes a batch, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, b queue.Batch) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- b:
		return nil
	}
}

// Dequeue pops the next batch, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (queue.Batch, error) {
	select {
	case <-ctx.Done():
		return queue.Batch{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case b, ok := <-q.ch:
		if !ok {
			return queue.Batch{}, ErrClosed
		}
		return b, nil
	}
}

// Len reports the number of buffered batches.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting batches. Buffered batches can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

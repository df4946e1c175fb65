package tasks

import "errors"

var (
	// ErrNotFound indicates the requested task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrUnknownScraper indicates a task names a scraper missing from the registry.
	ErrUnknownScraper = errors.New("unknown scraper")
	// ErrInvalidTransition indicates the task's current state forbids the change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrParentNotFound indicates a child references a parent that does not exist.
	ErrParentNotFound = errors.New("parent task not found")
	// ErrInvalidInput indicates a creation request carried unusable task data.
	ErrInvalidInput = errors.New("invalid task input")
)

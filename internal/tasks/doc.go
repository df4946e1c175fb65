// Package tasks defines the Task entity, its state machine and the
// contracts shared by the engine's components.
//
// A task moves Pending -> InProgress -> {Completed, Failed}. Aborted is
// reachable from Pending or InProgress and is entered at most once. Stores
// implement every transition as a conditional write so that concurrent
// executors, abort requests and re-driven workflows never overwrite a
// terminal state.
package tasks

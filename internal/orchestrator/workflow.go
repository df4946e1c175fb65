package orchestrator

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// TaskResult is the activity result for one task.
type TaskResult struct {
	TaskID      int64        `json:"task_id"`
	Status      tasks.Status `json:"status"`
	ResultCount int          `json:"result_count"`
	Skipped     bool         `json:"skipped,omitempty"`
}

// Summary is the workflow result.
type Summary struct {
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    []tasks.Failure `json:"failed,omitempty"`
	// Interrupted counts tasks left unsettled because the run was canceled.
	Interrupted int `json:"interrupted,omitempty"`
}

// Workflow runs one batch of task ids.
type Workflow struct {
	cfg Config
}

// NewWorkflow builds the batch workflow.
func NewWorkflow(cfg Config) *Workflow {
	return &Workflow{cfg: cfg.withDefaults()}
}

// Run starts one activity per task, waits for all of them and hands every
// failed task to MarkTasksFailed in a single call.
func (w *Workflow) Run(ctx workflow.Context, taskIDs []int64) (Summary, error) {
	logger := workflow.GetLogger(ctx)
	summary := Summary{Total: len(taskIDs)}
	if len(taskIDs) == 0 {
		return summary, nil
	}

	var a *Activities
	taskCtx := workflow.WithActivityOptions(ctx, w.cfg.taskActivityOptions())
	futures := make([]workflow.Future, len(taskIDs))
	for i, id := range taskIDs {
		futures[i] = workflow.ExecuteActivity(taskCtx, a.RunTask, id)
	}

	for i, f := range futures {
		var res TaskResult
		if err := f.Get(ctx, &res); err != nil {
			logger.Warn("task activity failed", "task_id", taskIDs[i], "error", err)
			summary.Failed = append(summary.Failed, tasks.Failure{TaskID: taskIDs[i], Message: failureMessage(err)})
			continue
		}
		summary.Succeeded++
	}

	if len(summary.Failed) > 0 {
		markCtx := workflow.WithActivityOptions(ctx, w.cfg.markFailedActivityOptions())
		if err := workflow.ExecuteActivity(markCtx, a.MarkTasksFailed, summary.Failed).Get(ctx, nil); err != nil {
			return summary, fmt.Errorf("mark tasks failed: %w", err)
		}
	}
	logger.Info("batch settled", "total", summary.Total, "succeeded", summary.Succeeded, "failed", len(summary.Failed))
	return summary, nil
}

// failureMessage extracts the message the activity failed with.
func failureMessage(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "activity timed out: " + timeoutErr.TimeoutType().String()
	}
	return err.Error()
}

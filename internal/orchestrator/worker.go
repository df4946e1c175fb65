package orchestrator

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// registry is the registration surface shared by workers and test environments.
type registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivity(a interface{})
}

// Register adds the batch workflow and task activities to r.
func Register(r registry, wf *Workflow, acts *Activities) {
	r.RegisterWorkflowWithOptions(wf.Run, workflow.RegisterOptions{Name: WorkflowName})
	r.RegisterActivity(acts)
}

// NewWorker builds a worker polling cfg.TaskQueue. Call Run or Start on it.
func NewWorker(c client.Client, cfg Config, wf *Workflow, acts *Activities) worker.Worker {
	cfg = cfg.withDefaults()
	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: cfg.WorkerConcurrency,
	})
	Register(w, wf, acts)
	return w
}

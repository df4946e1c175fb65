// Package orchestrator runs task batches durably on Temporal: one workflow
// per batch, one retryable activity per task, and a final activity that
// records tasks whose retries ran out.
package orchestrator

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/JakeFAU/scrape-task-engine/internal/retry"
)

const (
	// WorkflowName is the registered name of the batch workflow.
	WorkflowName = "runScrapeTasks"
	// DefaultTaskQueue is the Temporal task queue workers poll.
	DefaultTaskQueue = "scraper-tasks"
	// WorkflowIDPrefix prefixes generated workflow ids.
	WorkflowIDPrefix = "scrape-tasks"

	// ErrTypeUnknownScraper tags failures for tasks naming an unregistered scraper.
	ErrTypeUnknownScraper = "UnknownScraper"
	// ErrTypeBotDetected mirrors scraper.KindBotDetected.
	ErrTypeBotDetected = "BotDetected"
)

// Config holds the per-task activity policy.
type Config struct {
	TaskQueue           string
	StartToCloseTimeout time.Duration
	HeartbeatTimeout    time.Duration
	Retry               retry.Policy
	// NonRetryableTypes stop the retry loop on the first failure.
	NonRetryableTypes []string
	// MarkFailedAttempts bounds retries of the batch failure write.
	MarkFailedAttempts int
	// WorkerConcurrency caps activities a worker runs at once.
	WorkerConcurrency int
}

// DefaultConfig returns the production activity policy.
func DefaultConfig() Config {
	return Config{
		TaskQueue:           DefaultTaskQueue,
		StartToCloseTimeout: 300 * time.Second,
		HeartbeatTimeout:    120 * time.Second,
		Retry: retry.Policy{
			MaxAttempts:        3,
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 2.0,
			MaxInterval:        5 * time.Minute,
		},
		NonRetryableTypes:  []string{ErrTypeBotDetected, ErrTypeUnknownScraper},
		MarkFailedAttempts: 5,
		WorkerConcurrency:  5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TaskQueue == "" {
		c.TaskQueue = d.TaskQueue
	}
	if c.StartToCloseTimeout <= 0 {
		c.StartToCloseTimeout = d.StartToCloseTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	if c.NonRetryableTypes == nil {
		c.NonRetryableTypes = d.NonRetryableTypes
	}
	if c.MarkFailedAttempts <= 0 {
		c.MarkFailedAttempts = d.MarkFailedAttempts
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = d.WorkerConcurrency
	}
	return c
}

func (c Config) taskActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: c.StartToCloseTimeout,
		HeartbeatTimeout:    c.HeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        c.Retry.InitialInterval,
			BackoffCoefficient:     c.Retry.BackoffCoefficient,
			MaximumInterval:        c.Retry.MaxInterval,
			MaximumAttempts:        int32(c.Retry.MaxAttempts),
			NonRetryableErrorTypes: c.NonRetryableTypes,
		},
	}
}

func (c Config) markFailedActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    int32(c.MarkFailedAttempts),
		},
	}
}

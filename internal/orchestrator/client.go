package orchestrator

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/metrics"
)

// ClientConfig holds Temporal connection settings.
type ClientConfig struct {
	HostPort  string
	Namespace string
	APIKey    string
	TLS       bool
}

// Dial connects to Temporal. An API key implies TLS.
func Dial(cfg ClientConfig, logger *zap.Logger) (client.Client, error) {
	opts := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewLogger(logger),
	}
	if cfg.APIKey != "" {
		opts.Credentials = client.NewAPIKeyStaticCredentials(cfg.APIKey)
	}
	if cfg.TLS || cfg.APIKey != "" {
		opts.ConnectionOptions = client.ConnectionOptions{
			TLS: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	c, err := client.Dial(opts)
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// zapLogger adapts zap to Temporal's key/value logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger returns a Temporal logger backed by logger.
func NewLogger(logger *zap.Logger) log.Logger {
	return &zapLogger{s: logging.OrNop(logger).Named("temporal").Sugar()}
}

func (l *zapLogger) Debug(msg string, keyvals ...interface{}) {
	l.s.Debugw(msg, keyvals...)
}

func (l *zapLogger) Info(msg string, keyvals ...interface{}) {
	l.s.Infow(msg, keyvals...)
}

func (l *zapLogger) Warn(msg string, keyvals ...interface{}) {
	l.s.Warnw(msg, keyvals...)
}

func (l *zapLogger) Error(msg string, keyvals ...interface{}) {
	l.s.Errorw(msg, keyvals...)
}

// With implements log.WithLogger.
func (l *zapLogger) With(keyvals ...interface{}) log.Logger {
	return &zapLogger{s: l.s.With(keyvals...)}
}

// workflowIDs generates workflow ids.
type workflowIDs interface {
	WorkflowID(prefix string) (string, error)
}

// Dispatcher starts one workflow per batch. It implements tasks.Dispatcher.
type Dispatcher struct {
	client    client.Client
	taskQueue string
	ids       workflowIDs
	logger    *zap.Logger
}

// NewDispatcher builds a Temporal-backed dispatcher.
func NewDispatcher(c client.Client, taskQueue string, ids workflowIDs, logger *zap.Logger) *Dispatcher {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Dispatcher{client: c, taskQueue: taskQueue, ids: ids, logger: logging.OrNop(logger)}
}

// Dispatch starts the batch workflow for taskIDs.
func (d *Dispatcher) Dispatch(ctx context.Context, taskIDs []int64) (err error) {
	if len(taskIDs) == 0 {
		return nil
	}
	defer func() { metrics.ObserveDispatch("temporal", err) }()

	id, err := d.ids.WorkflowID(WorkflowIDPrefix)
	if err != nil {
		return fmt.Errorf("workflow id: %w", err)
	}
	opts := client.StartWorkflowOptions{
		ID:          id,
		TaskQueue:   d.taskQueue,
		RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	if _, err := d.client.ExecuteWorkflow(ctx, opts, WorkflowName, taskIDs); err != nil {
		return fmt.Errorf("start workflow %s: %w", id, err)
	}
	d.logger.Info("workflow started", zap.String("workflow_id", id), zap.Int("tasks", len(taskIDs)))
	return nil
}

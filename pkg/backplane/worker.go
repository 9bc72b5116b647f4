package backplane

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oars-platform/oars/pkg/contracts"
)

// Executor runs one approved action to completion.
type Executor interface {
	ExecuteApprovedAction(ctx context.Context, tenantID, actionID, requestID string) (contracts.ActionState, error)
}

// Metrics counts job transitions. Optional.
type Metrics interface {
	RecordJob(ctx context.Context, status string)
}

// Worker defaults applied when WorkerConfig fields are zero.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultBatchSize    = 10
	DefaultRetryDelay   = 30 * time.Second
)

// WorkerConfig tunes the polling loop.
type WorkerConfig struct {
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	RetryDelay   time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.WorkerID == "" {
		c.WorkerID = contracts.NewID("worker")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Worker polls the queue and drives claimed jobs through the executor.
type Worker struct {
	queue    Backplane
	executor Executor
	config   WorkerConfig
	logger   *slog.Logger
	metrics  Metrics
}

// NewWorker wires a worker to a queue and executor.
func NewWorker(queue Backplane, executor Executor, config WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, executor: executor, config: config.withDefaults(), logger: logger}
}

// WithMetrics attaches a transition counter.
func (w *Worker) WithMetrics(m Metrics) *Worker {
	w.metrics = m
	return w
}

// Run polls until ctx is canceled. Claim errors are logged and retried on the
// next tick rather than stopping the loop.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.RunOnce(ctx); err != nil {
			w.logger.Error("backplane poll failed", "workerId", w.config.WorkerID, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes a single batch.
func (w *Worker) RunOnce(ctx context.Context) error {
	jobs, err := w.queue.Claim(ctx, w.config.WorkerID, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, job *contracts.ExecutionJob) {
	state, err := w.executor.ExecuteApprovedAction(ctx, job.TenantID, job.ActionID, job.RequestID)
	if err == nil && state == contracts.ActionExecuted {
		if err := w.queue.Complete(ctx, job.ID, w.config.WorkerID); err != nil {
			w.logger.Error("job completion failed", "jobId", job.ID, "error", err)
		}
		w.recordJob(ctx, string(contracts.JobSucceeded))
		return
	}
	msg := fmt.Sprintf("execution ended in state %s", state)
	if err != nil {
		msg = err.Error()
	}
	w.logger.Warn("job execution failed",
		"jobId", job.ID, "actionId", job.ActionID, "attempt", job.AttemptCount, "error", msg)
	if err := w.queue.Fail(ctx, job.ID, w.config.WorkerID, msg, w.config.RetryDelay); err != nil {
		w.logger.Error("job failure record failed", "jobId", job.ID, "error", err)
	}
	w.recordJob(ctx, string(contracts.JobFailed))
}

func (w *Worker) recordJob(ctx context.Context, status string) {
	if w.metrics != nil {
		w.metrics.RecordJob(ctx, status)
	}
}

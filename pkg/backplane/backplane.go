// Package backplane is the durable leased job queue behind asynchronous
// action execution. Two implementations exist: a file-backed queue for
// single-process deployments and a SQL queue. On Postgres the SQL queue
// supports concurrent workers via FOR UPDATE SKIP LOCKED; on SQLite the
// claim relies on the database's single-writer transactions instead.
package backplane

import (
	"context"
	"time"

	"github.com/oars-platform/oars/pkg/contracts"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxAttempts = 3
	DefaultLockTimeout = 5 * time.Minute
)

// SQL dialects the queue knows how to claim against.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Config tunes queue behavior, shared by both implementations. Dialect only
// matters for the SQL queue and defaults to Postgres.
type Config struct {
	MaxAttempts int
	LockTimeout time.Duration
	Dialect     string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.Dialect == "" {
		c.Dialect = DialectPostgres
	}
	return c
}

// EnqueueParams describes one execution request.
type EnqueueParams struct {
	TenantID  string `json:"tenantId"`
	ActionID  string `json:"actionId"`
	RequestID string `json:"requestId"`
}

// Backplane is the queue contract. Enqueue is idempotent per action: while a
// job for the action is pending or running, re-enqueueing returns that job.
type Backplane interface {
	Enqueue(ctx context.Context, params EnqueueParams) (*contracts.ExecutionJob, error)
	Claim(ctx context.Context, workerID string, limit int) ([]*contracts.ExecutionJob, error)
	Complete(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID, errMsg string, retryDelay time.Duration) error
}

func newJob(params EnqueueParams, maxAttempts int, now time.Time) *contracts.ExecutionJob {
	return &contracts.ExecutionJob{
		ID:          contracts.NewID(contracts.PrefixJob),
		TenantID:    params.TenantID,
		ActionID:    params.ActionID,
		RequestID:   params.RequestID,
		Status:      contracts.JobPending,
		MaxAttempts: maxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

package backplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oars-platform/oars/pkg/contracts"
)

// timeLayout is fixed-width so TEXT comparisons on available_at and
// locked_at order chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLBackplane is the SQL queue. On Postgres claims run FOR UPDATE SKIP
// LOCKED in a transaction, so any number of workers can pull in parallel
// without handing the same job out twice; SQLite rejects that clause, so the
// sqlite dialect claims inside a plain transaction and leans on the single
// writer lock. The partial unique index on action_id enforces at most one
// in-flight job per action.
type SQLBackplane struct {
	db     *sql.DB
	config Config
	clock  func() time.Time
}

// NewSQLBackplane runs the schema migration and returns the queue.
func NewSQLBackplane(db *sql.DB, config Config) (*SQLBackplane, error) {
	b := &SQLBackplane{db: db, config: config.withDefaults(), clock: time.Now}
	if err := b.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("backplane: migrate: %w", err)
	}
	return b, nil
}

// WithClock overrides the clock for deterministic testing.
func (b *SQLBackplane) WithClock(clock func() time.Time) *SQLBackplane {
	b.clock = clock
	return b
}

func (b *SQLBackplane) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS oars_execution_jobs (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			action_id     TEXT NOT NULL,
			request_id    TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts  INTEGER NOT NULL,
			available_at  TEXT NOT NULL,
			locked_at     TEXT,
			locked_by     TEXT NOT NULL DEFAULT '',
			last_error    TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oars_jobs_claim
			ON oars_execution_jobs (status, available_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_oars_jobs_action_inflight
			ON oars_execution_jobs (action_id)
			WHERE status IN ('pending', 'running')`,
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const jobColumns = `id, tenant_id, action_id, request_id, status, attempt_count,
	max_attempts, available_at, locked_at, locked_by, last_error, created_at, updated_at`

// Enqueue implements Backplane.
func (b *SQLBackplane) Enqueue(ctx context.Context, params EnqueueParams) (*contracts.ExecutionJob, error) {
	if existing, err := b.inFlightForAction(ctx, params.ActionID); err != nil || existing != nil {
		return existing, err
	}
	job := newJob(params, b.config.MaxAttempts, b.clock().UTC())
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO oars_execution_jobs
			(id, tenant_id, action_id, request_id, status, attempt_count, max_attempts,
			 available_at, locked_by, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, '', '', $8, $9)`,
		job.ID, job.TenantID, job.ActionID, job.RequestID, string(job.Status),
		job.MaxAttempts, formatTime(job.AvailableAt),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		// A concurrent enqueue for the same action hit the partial unique
		// index first; hand back its job.
		if strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "UNIQUE constraint") {
			return b.inFlightForAction(ctx, params.ActionID)
		}
		return nil, fmt.Errorf("backplane: enqueue %s: %w", params.ActionID, err)
	}
	return job, nil
}

func (b *SQLBackplane) inFlightForAction(ctx context.Context, actionID string) (*contracts.ExecutionJob, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM oars_execution_jobs
		WHERE action_id = $1 AND status IN ('pending', 'running')`,
		actionID)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backplane: lookup in-flight job for %s: %w", actionID, err)
	}
	return job, nil
}

// Claim implements Backplane.
func (b *SQLBackplane) Claim(ctx context.Context, workerID string, limit int) ([]*contracts.ExecutionJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := b.clock().UTC()
	staleBefore := now.Add(-b.config.LockTimeout)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("backplane: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + jobColumns + `
		FROM oars_execution_jobs
		WHERE (status = 'pending' AND available_at <= $1)
		   OR (status = 'running' AND locked_at IS NOT NULL AND locked_at <= $2)
		ORDER BY available_at, created_at
		LIMIT $3`
	if b.config.Dialect != DialectSQLite {
		query += `
		FOR UPDATE SKIP LOCKED`
	}
	rows, err := tx.QueryContext(ctx, query,
		formatTime(now), formatTime(staleBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("backplane: select claimable: %w", err)
	}
	var jobs []*contracts.ExecutionJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("backplane: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("backplane: select claimable: %w", err)
	}
	rows.Close()

	for _, job := range jobs {
		job.Status = contracts.JobRunning
		job.AttemptCount++
		lockedAt := now
		job.LockedAt = &lockedAt
		job.LockedBy = workerID
		job.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE oars_execution_jobs
			SET status = 'running', attempt_count = $1, locked_at = $2,
			    locked_by = $3, updated_at = $4
			WHERE id = $5`,
			job.AttemptCount, formatTime(lockedAt), workerID, formatTime(now), job.ID); err != nil {
			return nil, fmt.Errorf("backplane: lease job %s: %w", job.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("backplane: commit claim: %w", err)
	}
	return jobs, nil
}

// Complete implements Backplane. The ownership predicate makes completion by
// a non-owner a silent no-op.
func (b *SQLBackplane) Complete(ctx context.Context, jobID, workerID string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE oars_execution_jobs
		SET status = 'succeeded', locked_at = NULL, locked_by = '', updated_at = $1
		WHERE id = $2 AND locked_by = $3 AND status = 'running'`,
		formatTime(b.clock().UTC()), jobID, workerID)
	if err != nil {
		return fmt.Errorf("backplane: complete %s: %w", jobID, err)
	}
	return nil
}

// Fail implements Backplane.
func (b *SQLBackplane) Fail(ctx context.Context, jobID, workerID, errMsg string, retryDelay time.Duration) error {
	now := b.clock().UTC()
	_, err := b.db.ExecContext(ctx, `
		UPDATE oars_execution_jobs
		SET status = CASE WHEN attempt_count >= max_attempts THEN 'dead' ELSE 'pending' END,
		    available_at = CASE WHEN attempt_count >= max_attempts THEN available_at ELSE $1 END,
		    locked_at = NULL, locked_by = '', last_error = $2, updated_at = $3
		WHERE id = $4 AND locked_by = $5 AND status = 'running'`,
		formatTime(now.Add(retryDelay)), errMsg, formatTime(now), jobID, workerID)
	if err != nil {
		return fmt.Errorf("backplane: fail %s: %w", jobID, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func scanJob(scan func(...any) error) (*contracts.ExecutionJob, error) {
	var (
		job         contracts.ExecutionJob
		status      string
		availableAt string
		lockedAt    sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scan(&job.ID, &job.TenantID, &job.ActionID, &job.RequestID, &status,
		&job.AttemptCount, &job.MaxAttempts, &availableAt, &lockedAt, &job.LockedBy,
		&job.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.Status = contracts.JobStatus(status)
	var err error
	if job.AvailableAt, err = time.Parse(timeLayout, availableAt); err != nil {
		return nil, fmt.Errorf("bad available_at %q: %w", availableAt, err)
	}
	if lockedAt.Valid {
		t, err := time.Parse(timeLayout, lockedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad locked_at %q: %w", lockedAt.String, err)
		}
		job.LockedAt = &t
	}
	if job.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if job.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at %q: %w", updatedAt, err)
	}
	return &job, nil
}

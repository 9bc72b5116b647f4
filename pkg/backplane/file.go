package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oars-platform/oars/pkg/contracts"
)

// FileBackplane keeps the whole queue in one JSON file, rewritten under a
// mutex on every mutation. Safe for a single process only.
type FileBackplane struct {
	mu     sync.Mutex
	path   string
	config Config
	jobs   map[string]*contracts.ExecutionJob
	clock  func() time.Time
}

type queueFile struct {
	Jobs []*contracts.ExecutionJob `json:"jobs"`
}

// NewFileBackplane opens (creating if needed) the queue file at path.
func NewFileBackplane(path string, config Config) (*FileBackplane, error) {
	b := &FileBackplane{
		path:   path,
		config: config.withDefaults(),
		jobs:   map[string]*contracts.ExecutionJob{},
		clock:  time.Now,
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backplane: read queue file: %w", err)
	}
	var file queueFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("backplane: parse queue file: %w", err)
	}
	for _, j := range file.Jobs {
		b.jobs[j.ID] = j
	}
	return b, nil
}

// WithClock overrides the clock for deterministic testing.
func (b *FileBackplane) WithClock(clock func() time.Time) *FileBackplane {
	b.clock = clock
	return b
}

// Enqueue implements Backplane.
func (b *FileBackplane) Enqueue(_ context.Context, params EnqueueParams) (*contracts.ExecutionJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, j := range b.jobs {
		if j.ActionID == params.ActionID && j.InFlight() {
			copied := *j
			return &copied, nil
		}
	}
	job := newJob(params, b.config.MaxAttempts, b.clock().UTC())
	b.jobs[job.ID] = job
	if err := b.save(); err != nil {
		return nil, err
	}
	copied := *job
	return &copied, nil
}

// Claim implements Backplane. Stale running jobs whose lock expired are
// reclaimed alongside due pending jobs.
func (b *FileBackplane) Claim(_ context.Context, workerID string, limit int) ([]*contracts.ExecutionJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock().UTC()
	staleBefore := now.Add(-b.config.LockTimeout)
	var eligible []*contracts.ExecutionJob
	for _, j := range b.jobs {
		switch {
		case j.Status == contracts.JobPending && !j.AvailableAt.After(now):
			eligible = append(eligible, j)
		case j.Status == contracts.JobRunning && j.LockedAt != nil && !j.LockedAt.After(staleBefore):
			eligible = append(eligible, j)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].AvailableAt.Equal(eligible[j].AvailableAt) {
			return eligible[i].AvailableAt.Before(eligible[j].AvailableAt)
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	var claimed []*contracts.ExecutionJob
	for _, j := range eligible {
		j.Status = contracts.JobRunning
		j.AttemptCount++
		lockedAt := now
		j.LockedAt = &lockedAt
		j.LockedBy = workerID
		j.UpdatedAt = now
		copied := *j
		claimed = append(claimed, &copied)
	}
	if len(claimed) > 0 {
		if err := b.save(); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

// Complete implements Backplane. A job owned by another worker is left
// untouched.
func (b *FileBackplane) Complete(_ context.Context, jobID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok || j.Status != contracts.JobRunning || j.LockedBy != workerID {
		return nil
	}
	j.Status = contracts.JobSucceeded
	j.LockedAt = nil
	j.LockedBy = ""
	j.UpdatedAt = b.clock().UTC()
	return b.save()
}

// Fail implements Backplane. The job is retried after retryDelay until its
// attempts are exhausted, then marked dead.
func (b *FileBackplane) Fail(_ context.Context, jobID, workerID, errMsg string, retryDelay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok || j.Status != contracts.JobRunning || j.LockedBy != workerID {
		return nil
	}
	now := b.clock().UTC()
	j.LastError = errMsg
	j.LockedAt = nil
	j.LockedBy = ""
	j.UpdatedAt = now
	if j.AttemptCount >= j.MaxAttempts {
		j.Status = contracts.JobDead
	} else {
		j.Status = contracts.JobPending
		j.AvailableAt = now.Add(retryDelay)
	}
	return b.save()
}

// Job returns a copy of one job, nil when unknown. Test and admin helper.
func (b *FileBackplane) Job(jobID string) *contracts.ExecutionJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return nil
	}
	copied := *j
	return &copied
}

// save must be called with the mutex held.
func (b *FileBackplane) save() error {
	jobs := make([]*contracts.ExecutionJob, 0, len(b.jobs))
	for _, j := range b.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	raw, err := json.MarshalIndent(queueFile{Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("backplane: marshal queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("backplane: create queue dir: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("backplane: write queue: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("backplane: commit queue: %w", err)
	}
	return nil
}

package contracts

import "time"

// JobStatus is the lifecycle state of a backplane execution job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// ExecutionJob is a leased unit of asynchronous action execution. At most one
// job per action may be pending or running.
type ExecutionJob struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	ActionID     string     `json:"actionId"`
	RequestID    string     `json:"requestId"`
	Status       JobStatus  `json:"status"`
	AttemptCount int        `json:"attemptCount"`
	MaxAttempts  int        `json:"maxAttempts"`
	AvailableAt  time.Time  `json:"availableAt"`
	LockedAt     *time.Time `json:"lockedAt,omitempty"`
	LockedBy     string     `json:"lockedBy,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// InFlight reports whether the job occupies the per-action uniqueness slot.
func (j *ExecutionJob) InFlight() bool {
	return j.Status == JobPending || j.Status == JobRunning
}

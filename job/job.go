// Package job defines the Job model, per-job options, and the job store
// contract. A Job is one asynchronous unit of work advancing through the
// named steps registered for its type.
package job

import (
	"time"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting to be claimed by a worker.
	StatusPending Status = "pending"
	// StatusRunning means a worker is currently executing a step.
	StatusRunning Status = "running"
	// StatusStepComplete means the last step finished and the job is
	// between steps (resumable, cancellable).
	StatusStepComplete Status = "step_complete"
	// StatusSucceeded means the full step chain completed.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means a step failed. The job may be retried manually
	// while its attempt budget lasts.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled at a step boundary.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s permits no further transitions other than
// an explicit retry of a failed job.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Open reports whether s counts against fingerprint deduplication.
// A job is open from enqueue until it reaches a terminal status.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusRunning || s == StatusStepComplete
}

// Job represents a unit of work driven through a registered step chain.
type Job struct {
	syndicate.Entity

	ID          id.JobID      `json:"id"`
	Type        string        `json:"type"`
	Payload     []byte        `json:"payload"`
	Priority    int           `json:"priority"`
	Status      Status        `json:"status"`
	Step        string        `json:"step,omitempty"`
	StepData    []byte        `json:"step_data,omitempty"`
	Fingerprint string        `json:"fingerprint"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	LastError   string        `json:"last_error,omitempty"`
	WorkerID    id.WorkerID   `json:"worker_id,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time    `json:"heartbeat_at,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

package job

import (
	"context"
	"time"

	"github.com/pressline/syndicate/id"
)

// ListOpts controls pagination for job list queries. Results are ordered
// by creation time descending.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Type filters by job type. Empty means all types.
	Type string
	// Status filters by status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for jobs. The store is the
// single source of truth for job status and the serialization point for
// claim operations: conditional transitions fail rather than clobber a
// concurrent update.
type Store interface {
	// CreateJob persists a new job in pending status.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// ClaimJob atomically transitions the given job from pending to
	// running on behalf of a worker. Exactly one of two racing workers
	// observes success; the other receives ErrInvalidState.
	ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*Job, error)

	// SwapJobStatus atomically transitions a job to the target status
	// if its current status is one of from. Returns the updated job, or
	// ErrInvalidState if the current status is not in from.
	SwapJobStatus(ctx context.Context, jobID id.JobID, from []Status, to Status) (*Job, error)

	// FindOpenJobByFingerprint returns the open (pending, running, or
	// step-complete) job with the given fingerprint, or ErrJobNotFound.
	FindOpenJobByFingerprint(ctx context.Context, fingerprint string) (*Job, error)

	// ListJobs returns jobs matching opts, newest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts ListOpts) (int64, error)

	// PendingJobs returns all pending jobs, used to rebuild the in-memory
	// priority queue at startup.
	PendingJobs(ctx context.Context) ([]*Job, error)

	// HeartbeatJob updates the heartbeat timestamp for a running job,
	// indicating the claiming worker is still alive.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ReapStaleJobs resets running jobs whose last heartbeat is older
	// than threshold back to pending, preserving their Step so the
	// runner resumes from the last completed step. Returns the jobs
	// that were reset.
	ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*Job, error)
}

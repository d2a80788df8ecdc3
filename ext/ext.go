package ext

import (
	"context"
	"time"

	"github.com/pressline/syndicate/distribution"
	"github.com/pressline/syndicate/guard"
	"github.com/pressline/syndicate/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job passes deduplication and is queued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker claims a job and begins running it.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobStepCompleted is called after each workflow step finishes.
type JobStepCompleted interface {
	OnJobStepCompleted(ctx context.Context, j *job.Job, stepName string) error
}

// JobSucceeded is called after a job's full step chain completes.
type JobSucceeded interface {
	OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a step fails and the job lands in FAILED.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetried is called when a failed job is manually re-submitted.
type JobRetried interface {
	OnJobRetried(ctx context.Context, j *job.Job, attempt int) error
}

// JobCancelled is called when a job is cancelled at a step boundary.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Distribution lifecycle hooks
// ──────────────────────────────────────────────────

// DistributionDispatched is called after a platform accepts a post.
type DistributionDispatched interface {
	OnDistributionDispatched(ctx context.Context, rec *distribution.Record) error
}

// DistributionFailed is called when a delivery attempt fails.
type DistributionFailed interface {
	OnDistributionFailed(ctx context.Context, rec *distribution.Record, err error) error
}

// BreakerStateChanged is called when a channel's circuit breaker moves
// between states.
type BreakerStateChanged interface {
	OnBreakerStateChanged(ctx context.Context, channelID string, from, to guard.State) error
}

// ──────────────────────────────────────────────────
// Engine hooks
// ──────────────────────────────────────────────────

// Shutdown is called when the engine stops, before the store closes.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}

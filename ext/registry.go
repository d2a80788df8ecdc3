package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/pressline/syndicate/distribution"
	"github.com/pressline/syndicate/guard"
	"github.com/pressline/syndicate/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobEnqueuedEntry struct {
	name string
	hook JobEnqueued
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobStepCompletedEntry struct {
	name string
	hook JobStepCompleted
}

type jobSucceededEntry struct {
	name string
	hook JobSucceeded
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRetriedEntry struct {
	name string
	hook JobRetried
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type distributionDispatchedEntry struct {
	name string
	hook DistributionDispatched
}

type distributionFailedEntry struct {
	name string
	hook DistributionFailed
}

type breakerStateChangedEntry struct {
	name string
	hook BreakerStateChanged
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobEnqueued            []jobEnqueuedEntry
	jobStarted             []jobStartedEntry
	jobStepCompleted       []jobStepCompletedEntry
	jobSucceeded           []jobSucceededEntry
	jobFailed              []jobFailedEntry
	jobRetried             []jobRetriedEntry
	jobCancelled           []jobCancelledEntry
	distributionDispatched []distributionDispatchedEntry
	distributionFailed     []distributionFailedEntry
	breakerStateChanged    []breakerStateChangedEntry
	shutdown               []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, jobEnqueuedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobStepCompleted); ok {
		r.jobStepCompleted = append(r.jobStepCompleted, jobStepCompletedEntry{name, h})
	}
	if h, ok := e.(JobSucceeded); ok {
		r.jobSucceeded = append(r.jobSucceeded, jobSucceededEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobRetried); ok {
		r.jobRetried = append(r.jobRetried, jobRetriedEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(DistributionDispatched); ok {
		r.distributionDispatched = append(r.distributionDispatched, distributionDispatchedEntry{name, h})
	}
	if h, ok := e.(DistributionFailed); ok {
		r.distributionFailed = append(r.distributionFailed, distributionFailedEntry{name, h})
	}
	if h, ok := e.(BreakerStateChanged); ok {
		r.breakerStateChanged = append(r.breakerStateChanged, breakerStateChangedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all extensions that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		if err := e.hook.OnJobEnqueued(ctx, j); err != nil {
			r.logHookError("OnJobEnqueued", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobStepCompleted notifies all extensions that implement JobStepCompleted.
func (r *Registry) EmitJobStepCompleted(ctx context.Context, j *job.Job, stepName string) {
	for _, e := range r.jobStepCompleted {
		if err := e.hook.OnJobStepCompleted(ctx, j, stepName); err != nil {
			r.logHookError("OnJobStepCompleted", e.name, err)
		}
	}
}

// EmitJobSucceeded notifies all extensions that implement JobSucceeded.
func (r *Registry) EmitJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobSucceeded {
		if err := e.hook.OnJobSucceeded(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobSucceeded", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRetried notifies all extensions that implement JobRetried.
func (r *Registry) EmitJobRetried(ctx context.Context, j *job.Job, attempt int) {
	for _, e := range r.jobRetried {
		if err := e.hook.OnJobRetried(ctx, j, attempt); err != nil {
			r.logHookError("OnJobRetried", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Distribution event emitters
// ──────────────────────────────────────────────────

// EmitDistributionDispatched notifies all extensions that implement
// DistributionDispatched.
func (r *Registry) EmitDistributionDispatched(ctx context.Context, rec *distribution.Record) {
	for _, e := range r.distributionDispatched {
		if err := e.hook.OnDistributionDispatched(ctx, rec); err != nil {
			r.logHookError("OnDistributionDispatched", e.name, err)
		}
	}
}

// EmitDistributionFailed notifies all extensions that implement
// DistributionFailed.
func (r *Registry) EmitDistributionFailed(ctx context.Context, rec *distribution.Record, recErr error) {
	for _, e := range r.distributionFailed {
		if err := e.hook.OnDistributionFailed(ctx, rec, recErr); err != nil {
			r.logHookError("OnDistributionFailed", e.name, err)
		}
	}
}

// EmitBreakerStateChanged notifies all extensions that implement
// BreakerStateChanged.
func (r *Registry) EmitBreakerStateChanged(ctx context.Context, channelID string, from, to guard.State) {
	for _, e := range r.breakerStateChanged {
		if err := e.hook.OnBreakerStateChanged(ctx, channelID, from, to); err != nil {
			r.logHookError("OnBreakerStateChanged", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}

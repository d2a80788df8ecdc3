package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/job"
)

// maxErrorLen bounds the summarized error message stored on a job.
const maxErrorLen = 500

// Emitter emits job lifecycle events from the runner.
// This interface is satisfied by ext.Registry (via an adapter in the
// engine package) to break the import cycle between workflow and ext.
type Emitter interface {
	EmitJobStepCompleted(ctx context.Context, j *job.Job, stepName string, elapsed time.Duration)
	EmitJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration)
	EmitJobFailed(ctx context.Context, j *job.Job, stepName string, err error)
	EmitJobCancelled(ctx context.Context, j *job.Job)
}

// Runner is the workflow executor. It drives a claimed job through its
// registered step chain, persisting status, step name, and step data
// before yielding control between steps, so a crash mid-workflow leaves
// the job resumable from the last completed step rather than the start.
type Runner struct {
	registry *Registry
	store    job.Store
	emitter  Emitter
	logger   *slog.Logger
}

// NewRunner creates a workflow runner.
func NewRunner(registry *Registry, store job.Store, emitter Emitter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry: registry,
		store:    store,
		emitter:  emitter,
		logger:   logger,
	}
}

// Registry returns the step registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Run executes the job's step chain to completion or failure. The job
// must already be claimed (status running). Steps execute strictly in
// the order the chain dictates; no step is skipped. A step error marks
// the job failed with a summarized lastError and an incremented attempt
// count — there is no automatic retry loop inside a single run.
//
// Cancellation is cooperative: it is observed only at step boundaries,
// never by interrupting a step mid-execution.
func (r *Runner) Run(ctx context.Context, j *job.Job) error {
	chain, ok := r.registry.Chain(j.Type)
	if !ok || len(chain) == 0 {
		err := fmt.Errorf("%w: %q", syndicate.ErrUnknownJobType, j.Type)
		r.fail(ctx, j, j.Step, err)
		return err
	}

	cur, done, err := r.startStep(j, chain)
	if err != nil {
		r.fail(ctx, j, j.Step, err)
		return err
	}
	if done {
		// Crash happened after the final step was persisted but before
		// the terminal status was written. Nothing left to execute.
		return r.succeed(ctx, j, 0)
	}

	start := time.Now()

	for {
		stepStart := time.Now()
		res, stepErr := cur.Run(ctx, j, j.Payload)
		elapsed := time.Since(stepStart)

		if stepErr != nil {
			r.fail(ctx, j, cur.Name, stepErr)
			return fmt.Errorf("workflow: job %s step %q: %w", j.ID, cur.Name, stepErr)
		}

		// Step is the last COMPLETED step. It advances only here, so a
		// crash or failure mid-step resumes at the interrupted step
		// (at-least-once) instead of skipping it.
		j.Step = cur.Name
		j.StepData = res.Data
		r.emitter.EmitJobStepCompleted(ctx, j, cur.Name, elapsed)

		if res.NextStep == "" {
			return r.succeed(ctx, j, time.Since(start))
		}

		next, ok := r.registry.Step(j.Type, res.NextStep)
		if !ok {
			err := fmt.Errorf("%w: %q for type %q", syndicate.ErrUnknownStep, res.NextStep, j.Type)
			r.fail(ctx, j, cur.Name, err)
			return err
		}

		// Step boundary: persist step-complete, then reclaim. The
		// conditional swap loses to a concurrent cancel, which is how
		// cooperative cancellation takes effect.
		j.Status = job.StatusStepComplete
		if updateErr := r.store.UpdateJob(ctx, j); updateErr != nil {
			return fmt.Errorf("workflow: persist step-complete %q: %w", cur.Name, updateErr)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		resumed, swapErr := r.store.SwapJobStatus(ctx, j.ID, []job.Status{job.StatusStepComplete}, job.StatusRunning)
		if swapErr != nil {
			if errors.Is(swapErr, syndicate.ErrInvalidState) {
				return r.observeCancel(ctx, j)
			}
			return fmt.Errorf("workflow: resume after step %q: %w", cur.Name, swapErr)
		}
		*j = *resumed

		cur = next
	}
}

// startStep picks the first step to execute: the chain head for a fresh
// job, or the chain-order successor of the last executed step when
// resuming. done is true when the last executed step was the final one.
func (r *Runner) startStep(j *job.Job, chain []Step) (Step, bool, error) {
	if j.Step == "" {
		return chain[0], false, nil
	}

	if next, ok := r.registry.After(j.Type, j.Step); ok {
		r.logger.Info("resuming job from last completed step",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("last_step", j.Step),
			slog.String("next_step", next.Name),
		)
		return next, false, nil
	}

	if j.Step == chain[len(chain)-1].Name {
		return Step{}, true, nil
	}

	return Step{}, false, fmt.Errorf("%w: %q for type %q", syndicate.ErrUnknownStep, j.Step, j.Type)
}

// succeed marks the job succeeded and persists the terminal status.
func (r *Runner) succeed(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	now := time.Now().UTC()
	j.Status = job.StatusSucceeded
	j.CompletedAt = &now
	j.LastError = ""

	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("failed to persist succeeded job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.emitter.EmitJobSucceeded(ctx, j, elapsed)
	return nil
}

// fail marks the job failed, records the summarized error, and bumps
// the attempt count. The error is reported through the job's status,
// not re-thrown past the runner.
func (r *Runner) fail(ctx context.Context, j *job.Job, stepName string, cause error) {
	j.Status = job.StatusFailed
	j.LastError = summarize(cause)
	j.Attempts++

	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("failed to persist failed job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	r.emitter.EmitJobFailed(ctx, j, stepName, cause)

	r.logger.Warn("job step failed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.String("step", stepName),
		slog.Int("attempts", j.Attempts),
		slog.String("error", cause.Error()),
	)
}

// observeCancel handles losing the step-boundary swap to a cancel.
func (r *Runner) observeCancel(ctx context.Context, j *job.Job) error {
	fresh, err := r.store.GetJob(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("workflow: reload after lost claim: %w", err)
	}
	*j = *fresh

	if j.Status == job.StatusCancelled {
		r.logger.Info("job cancelled at step boundary",
			slog.String("job_id", j.ID.String()),
			slog.String("step", j.Step),
		)
		r.emitter.EmitJobCancelled(ctx, j)
		return nil
	}

	return &syndicate.InvalidStateError{Op: "resume", Status: string(j.Status)}
}

// summarize trims an error message to a storable size.
func summarize(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen] + "…"
	}
	return msg
}

// Package worker provides the job execution engine — an Executor that
// drives claimed jobs through middleware into the workflow runner, and
// a Pool that manages concurrent worker goroutines draining the
// priority queue.
package worker

import (
	"context"
	"log/slog"

	"github.com/pressline/syndicate/job"
	"github.com/pressline/syndicate/middleware"
	"github.com/pressline/syndicate/workflow"
)

// Executor runs a single claimed job through the middleware chain and
// the workflow runner. The runner owns terminal status persistence for
// step outcomes; the executor backstops failures that escape it, such
// as a recovered panic or a middleware timeout.
type Executor struct {
	runner *workflow.Runner
	store  job.Store
	mw     middleware.Middleware
	logger *slog.Logger
}

// NewExecutor creates an Executor with the given middleware chain.
func NewExecutor(runner *workflow.Runner, store job.Store, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner: runner,
		store:  store,
		mw:     middleware.Chain(mws...),
		logger: logger,
	}
}

// Execute runs a job through the middleware chain into the workflow
// runner. The job must already be claimed (status running).
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	terminal := func(ctx context.Context) error {
		return e.runner.Run(ctx, j)
	}

	err := e.mw(ctx, j, terminal)
	if err == nil {
		return nil
	}

	// The runner persists FAILED itself when a step errors. If the error
	// bypassed it — a panic caught by recover middleware, a timeout that
	// fired between steps — the job is still open and must be failed here
	// so it does not stay claimed forever.
	if !j.Status.Terminal() {
		j.Status = job.StatusFailed
		j.LastError = err.Error()
		j.Attempts++
		if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
			e.logger.Error("failed to persist job failure",
				slog.String("job_id", j.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			return updateErr
		}
	}
	return err
}

package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pressline/syndicate/job"
)

// Timeout returns middleware that enforces a per-job execution deadline.
// Jobs with a zero Timeout run unbounded. When the deadline fires the
// run's context is cancelled and the runner stops at the next step
// boundary, leaving the job resumable; the surfaced error names the job,
// the configured deadline, and the last completed step so the timeout is
// attributable without reading logs.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}

		runCtx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()

		err := next(runCtx)
		if err == nil || !errors.Is(err, context.DeadlineExceeded) || runCtx.Err() == nil {
			return err
		}

		logger.Warn("job exceeded its execution deadline",
			slog.String("job_type", j.Type),
			slog.String("job_id", j.ID.String()),
			slog.Duration("timeout", j.Timeout),
			slog.String("last_step", j.Step),
		)
		return fmt.Errorf("job %s exceeded its %s deadline after step %q: %w",
			j.Type, j.Timeout, j.Step, err)
	}
}

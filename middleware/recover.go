package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/pressline/syndicate/job"
)

// PanicError reports a workflow step that panicked. The executor records
// it as an ordinary step failure; Step names the last completed step, so
// the panicking step is the chain-order successor.
type PanicError struct {
	JobType string
	Step    string
	Value   any
	Stack   []byte
}

func (e *PanicError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("panic in %s job: %v", e.JobType, e.Value)
	}
	return fmt.Sprintf("panic in %s job after step %q: %v", e.JobType, e.Step, e.Value)
}

// Recover returns middleware that converts a panic anywhere in the
// handler chain into a *PanicError. Without it a panicking step would
// take down the whole worker pool instead of failing one job.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				logger.Error("job handler panicked",
					slog.String("job_type", j.Type),
					slog.String("job_id", j.ID.String()),
					slog.String("last_step", j.Step),
					slog.Any("panic", r),
					slog.String("stack", string(stack)),
				)
				retErr = &PanicError{
					JobType: j.Type,
					Step:    j.Step,
					Value:   r,
					Stack:   stack,
				}
			}
		}()
		return next(ctx)
	}
}

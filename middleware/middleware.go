// Package middleware provides composable middleware around one job run.
// A middleware sees the job being executed and the next handler; the
// engine's default stack is recover → tracing → metrics → logging →
// timeout, with caller middleware appended innermost so it runs inside
// the recover/timeout envelope.
package middleware

import (
	"context"

	"github.com/pressline/syndicate/job"
)

// Handler is the terminal function that executes the job's step chain.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic for one job run.
// A middleware must call next to continue the chain unless it is
// short-circuiting with an error.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes middleware into one Middleware. The first middleware is
// the outermost wrapper: Chain(recover, timeout) recovers from panics
// that escape the timeout layer, not the other way around.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			h = bind(mws[i], j, h)
		}
		return h(ctx)
	}
}

// bind fixes a middleware's job and successor into a plain Handler.
func bind(mw Middleware, j *job.Job, next Handler) Handler {
	return func(ctx context.Context) error {
		return mw(ctx, j, next)
	}
}

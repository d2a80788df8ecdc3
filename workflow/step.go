// Package workflow defines workflow step chains and the runner that
// drives a job through its registered steps. A workflow is the ordered
// chain of named steps registered for a job type; each step is a pure
// transition function whose result flows back through the runner, which
// persists every state transition before proceeding so a crashed run
// resumes from the last completed step.
package workflow

import (
	"context"

	"github.com/pressline/syndicate/job"
)

// Result is the outcome of a successful step.
type Result struct {
	// Data is carried to the next step and persisted on the job as the
	// last step's output.
	Data []byte

	// NextStep names the step to execute next. It must be registered
	// for the job's type. Empty means the workflow is complete.
	NextStep string
}

// Continue returns a Result that advances to the named step.
func Continue(nextStep string, data []byte) Result {
	return Result{Data: data, NextStep: nextStep}
}

// Done returns a Result that completes the workflow.
func Done(data []byte) Result {
	return Result{Data: data}
}

// StepFunc executes one step against a job and its payload. Steps may
// perform external side effects in their own domain but must not mutate
// runner state directly; transitions flow back through the Result.
type StepFunc func(ctx context.Context, j *job.Job, payload []byte) (Result, error)

// Step is a named transition function in a chain.
type Step struct {
	Name string
	Run  StepFunc
}

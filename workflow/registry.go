package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pressline/syndicate/job"
)

// Definition is a typed step chain for one job type. T is the payload
// type (must be JSON-serializable).
type Definition[T any] struct {
	// Type is the job type this chain handles.
	Type string

	// Steps is the ordered chain. Step names must be unique within the
	// chain.
	Steps []TypedStep[T]
}

// TypedStep is a named step whose handler receives the decoded payload.
type TypedStep[T any] struct {
	Name string
	Run  func(ctx context.Context, j *job.Job, payload T) (Result, error)
}

// NewDefinition creates a typed chain definition.
func NewDefinition[T any](jobType string, steps ...TypedStep[T]) *Definition[T] {
	return &Definition[T]{Type: jobType, Steps: steps}
}

// Registry maps job types to their ordered step chains.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	chains map[string][]Step
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[string][]Step)}
}

// RegisterDefinition registers a typed chain. Each typed handler is
// wrapped in a closure that JSON-unmarshals the payload into T before
// calling it.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	steps := make([]Step, len(def.Steps))
	for i, ts := range def.Steps {
		run := ts.Run
		steps[i] = Step{
			Name: ts.Name,
			Run: func(ctx context.Context, j *job.Job, payload []byte) (Result, error) {
				var t T
				if len(payload) > 0 {
					if err := json.Unmarshal(payload, &t); err != nil {
						return Result{}, fmt.Errorf("unmarshal payload for job type %q: %w", def.Type, err)
					}
				}
				return run(ctx, j, t)
			},
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[def.Type] = steps
}

// Register registers a raw step chain for a job type, replacing any
// existing chain.
func (r *Registry) Register(jobType string, steps ...Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[jobType] = steps
}

// Chain returns the ordered step chain for a job type.
// Returns false if the type is not registered.
func (r *Registry) Chain(jobType string) ([]Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	steps, ok := r.chains[jobType]
	return steps, ok
}

// Step returns the named step of a job type's chain.
func (r *Registry) Step(jobType, name string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.chains[jobType] {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// After returns the chain-order successor of the named step, used to
// resume an interrupted job from its last completed step. Returns false
// when name is the final step or is not in the chain.
func (r *Registry) After(jobType, name string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.chains[jobType]
	for i, s := range chain {
		if s.Name == name && i+1 < len(chain) {
			return chain[i+1], true
		}
	}
	return Step{}, false
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.chains))
	for t := range r.chains {
		types = append(types, t)
	}
	return types
}

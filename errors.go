package syndicate

import (
	"errors"
	"fmt"

	"github.com/pressline/syndicate/id"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("syndicate: no store configured")
	ErrStoreClosed = errors.New("syndicate: store closed")

	// Not found errors.
	ErrJobNotFound          = errors.New("syndicate: job not found")
	ErrDistributionNotFound = errors.New("syndicate: distribution not found")
	ErrChannelNotFound      = errors.New("syndicate: channel not found")
	ErrPostNotFound         = errors.New("syndicate: post not found")

	// Conflict errors.
	ErrDuplicateJob  = errors.New("syndicate: duplicate job")
	ErrAlreadyExists = errors.New("syndicate: record already exists")

	// State errors.
	ErrInvalidState    = errors.New("syndicate: invalid state transition")
	ErrRetryExhausted  = errors.New("syndicate: retry budget exhausted")
	ErrModuleDisabled  = errors.New("syndicate: distribution disabled")
	ErrValidation      = errors.New("syndicate: invalid input")
	ErrUnknownJobType  = errors.New("syndicate: no workflow registered for job type")
	ErrUnknownStep     = errors.New("syndicate: step not registered for job type")
	ErrChannelInactive = errors.New("syndicate: channel inactive")
	ErrAdapterNotFound = errors.New("syndicate: no adapter registered for channel type")
)

// DuplicateJobError reports a rejected enqueue whose fingerprint collides
// with an open job. It carries the id of the existing job so callers can
// surface the conflict as "already in progress" with a reference.
type DuplicateJobError struct {
	ExistingID  id.JobID
	Fingerprint string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("syndicate: duplicate job (existing %s)", e.ExistingID)
}

// Is reports that a DuplicateJobError matches ErrDuplicateJob, so callers
// can test with errors.Is without unwrapping the typed error.
func (e *DuplicateJobError) Is(target error) bool {
	return target == ErrDuplicateJob
}

// InvalidStateError reports an operation attempted against a record whose
// current status does not permit it.
type InvalidStateError struct {
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("syndicate: %s not valid in status %q", e.Op, e.Status)
}

// Is reports that an InvalidStateError matches ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

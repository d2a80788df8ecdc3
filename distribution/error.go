package distribution

import "fmt"

// Kind classifies a delivery failure so callers and the retry path can
// tell retryable outcomes from dead ends.
type Kind string

const (
	// KindRateLimited means the channel's token bucket was empty. No
	// external call was made.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindCircuitOpen means the channel's breaker rejected the call. No
	// external call was made.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	// KindPlatformRejected means the platform refused the content.
	// Retrying the same payload will not help.
	KindPlatformRejected Kind = "PLATFORM_REJECTED"
	// KindTransientNetwork means the call failed or timed out in a way
	// that may succeed on retry.
	KindTransientNetwork Kind = "TRANSIENT_NETWORK"
	// KindPermanent means the failure is not recoverable by retrying.
	KindPermanent Kind = "PERMANENT"
)

// DeliveryError is the failure taxonomy for dispatch calls.
type DeliveryError struct {
	Kind Kind
	Err  error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("distribution: delivery failed (%s)", e.Kind)
	}
	return fmt.Sprintf("distribution: delivery failed (%s): %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
func (e *DeliveryError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindCircuitOpen, KindTransientNetwork:
		return true
	default:
		return false
	}
}

// NewDeliveryError wraps err with a failure kind.
func NewDeliveryError(kind Kind, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Err: err}
}

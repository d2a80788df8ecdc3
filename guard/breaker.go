// Package guard protects external distribution channels with a
// per-channel circuit breaker and token-bucket rate limiter. State is
// process-wide and created lazily on first use; all reads and writes
// for one channel are serialized through that channel's mutex so token
// accounting and failure counting stay correct under concurrency.
package guard

import (
	"errors"
	"time"

	"github.com/pressline/syndicate/backoff"
)

var (
	// ErrOpen is returned while a channel's circuit is open (or its
	// half-open trial slot is taken). The caller must not contact the
	// external platform.
	ErrOpen = errors.New("guard: circuit open")

	// ErrRateLimited is returned when a channel's token bucket is empty.
	ErrRateLimited = errors.New("guard: rate limited")
)

// State is the circuit breaker state for one channel.
type State string

const (
	// StateClosed is normal operation.
	StateClosed State = "closed"
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen allows exactly one trial call.
	StateHalfOpen State = "half_open"
)

// BreakerConfig configures one channel's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures within
	// FailureWindow that opens the circuit.
	FailureThreshold int

	// FailureWindow bounds how close together failures must be to count
	// as consecutive. Zero means failures never age out.
	FailureWindow time.Duration

	// Cooldown grows the open-state cooldown across repeated re-opens.
	Cooldown backoff.Strategy
}

// DefaultBreakerConfig returns the breaker defaults: 5 consecutive
// failures within 1 minute open the circuit, cooldown per
// backoff.DefaultCooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		Cooldown:         backoff.DefaultCooldown(),
	}
}

// breaker is the per-channel failure-isolation state machine.
// It is not safe for concurrent use; the Manager serializes access
// through the owning channel's mutex.
type breaker struct {
	cfg BreakerConfig

	state         State
	consecutive   int
	opens         int
	lastFailureAt time.Time
	nextRetryAt   time.Time
	trialInFlight bool

	// now is stubbed in tests.
	now func() time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown == nil {
		cfg.Cooldown = backoff.DefaultCooldown()
	}
	return &breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// peek reports whether a call may proceed without committing to a
// half-open trial. Used before the rate limiter so an open circuit does
// not drain tokens.
func (b *breaker) peek() error {
	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		return nil
	default: // StateOpen
		if b.now().Before(b.nextRetryAt) {
			return ErrOpen
		}
		return nil
	}
}

// acquire commits to a call. From open past its cooldown it moves to
// half-open and claims the single trial slot.
func (b *breaker) acquire() error {
	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
		return nil
	default: // StateOpen
		if b.now().Before(b.nextRetryAt) {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return nil
	}
}

// recordSuccess resets the breaker on sustained success; a successful
// half-open trial closes the circuit.
func (b *breaker) recordSuccess() {
	b.state = StateClosed
	b.consecutive = 0
	b.opens = 0
	b.trialInFlight = false
	b.nextRetryAt = time.Time{}
}

// recordFailure counts a delivery failure. Enough consecutive failures
// inside the window open the circuit; a failed half-open trial re-opens
// it with a longer cooldown.
func (b *breaker) recordFailure() {
	now := b.now()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.open(now)
		return
	}

	if b.cfg.FailureWindow > 0 && !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > b.cfg.FailureWindow {
		b.consecutive = 0
	}
	b.lastFailureAt = now
	b.consecutive++

	if b.state == StateClosed && b.consecutive >= b.cfg.FailureThreshold {
		b.open(now)
	}
}

func (b *breaker) open(now time.Time) {
	b.state = StateOpen
	b.opens++
	b.lastFailureAt = now
	b.nextRetryAt = now.Add(b.cfg.Cooldown.Delay(b.opens))
}

// snapshot returns a read-only copy of the breaker state.
func (b *breaker) snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		LastFailureAt:       b.lastFailureAt,
		NextRetryAt:         b.nextRetryAt,
	}
}

// BreakerSnapshot is a point-in-time view of one channel's breaker.
type BreakerSnapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	NextRetryAt         time.Time `json:"next_retry_at,omitempty"`
}

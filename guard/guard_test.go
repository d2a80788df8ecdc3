package guard

import (
	"errors"
	"testing"
	"time"

	"github.com/pressline/syndicate/backoff"
)

func testConfig() ChannelConfig {
	return ChannelConfig{
		Rate:  1000,
		Burst: 1000,
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			FailureWindow:    time.Minute,
			Cooldown:         backoff.NewConstant(30 * time.Second),
		},
	}
}

// setClock pins the channel's breaker clock so cooldown expiry can be
// driven deterministically.
func setClock(m *Manager, channelID string, now *time.Time) {
	g := m.guardFor(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breaker.now = func() time.Time { return *now }
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig())
	const ch = "chn_a"

	for i := 0; i < 3; i++ {
		if err := m.Acquire(ch); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		m.RecordFailure(ch)
	}

	if err := m.Acquire(ch); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen after threshold, got %v", err)
	}
	if got := m.ChannelSnapshot(ch).Breaker.State; got != StateOpen {
		t.Fatalf("state = %s, want %s", got, StateOpen)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig())
	const ch = "chn_reset"

	m.RecordFailure(ch)
	m.RecordFailure(ch)
	m.RecordSuccess(ch)
	m.RecordFailure(ch)
	m.RecordFailure(ch)

	if err := m.Acquire(ch); err != nil {
		t.Fatalf("breaker should still be closed, got %v", err)
	}
	if got := m.ChannelSnapshot(ch).Breaker.ConsecutiveFailures; got != 2 {
		t.Fatalf("consecutive failures = %d, want 2", got)
	}
}

func TestBreakerFailureWindowAgesOutOldFailures(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig())
	const ch = "chn_window"

	now := time.Now()
	setClock(m, ch, &now)

	m.RecordFailure(ch)
	m.RecordFailure(ch)

	// Past the window the streak restarts at 1.
	now = now.Add(2 * time.Minute)
	m.RecordFailure(ch)

	if got := m.ChannelSnapshot(ch).Breaker.State; got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}
	if got := m.ChannelSnapshot(ch).Breaker.ConsecutiveFailures; got != 1 {
		t.Fatalf("consecutive failures = %d, want 1", got)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig())
	const ch = "chn_trial"

	now := time.Now()
	setClock(m, ch, &now)

	for i := 0; i < 3; i++ {
		m.RecordFailure(ch)
	}
	if err := m.Acquire(ch); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen during cooldown, got %v", err)
	}

	// Cooldown elapsed: exactly one trial call is admitted.
	now = now.Add(31 * time.Second)
	if err := m.Acquire(ch); err != nil {
		t.Fatalf("expected trial call admitted, got %v", err)
	}
	if err := m.Acquire(ch); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected second caller rejected during trial, got %v", err)
	}

	// Trial succeeds: circuit closes and traffic resumes.
	m.RecordSuccess(ch)
	if err := m.Acquire(ch); err != nil {
		t.Fatalf("expected closed circuit after trial success, got %v", err)
	}
	if got := m.ChannelSnapshot(ch).Breaker.State; got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}
}

func TestBreakerFailedTrialReopensWithLongerCooldown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Breaker.Cooldown = backoff.NewExponential(10*time.Second, time.Hour)
	m := NewManager(cfg)
	const ch = "chn_reopen"

	now := time.Now()
	setClock(m, ch, &now)

	for i := 0; i < 3; i++ {
		m.RecordFailure(ch)
	}
	first := m.ChannelSnapshot(ch).Breaker.NextRetryAt
	if want := now.Add(10 * time.Second); !first.Equal(want) {
		t.Fatalf("first cooldown until %v, want %v", first, want)
	}

	now = now.Add(11 * time.Second)
	if err := m.Acquire(ch); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	m.RecordFailure(ch)

	snap := m.ChannelSnapshot(ch).Breaker
	if snap.State != StateOpen {
		t.Fatalf("state = %s, want %s", snap.State, StateOpen)
	}
	if want := now.Add(20 * time.Second); !snap.NextRetryAt.Equal(want) {
		t.Fatalf("second cooldown until %v, want %v", snap.NextRetryAt, want)
	}
}

func TestLimiterRejectsBeyondBurst(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Rate = 0.001 // effectively no refill during the test
	cfg.Burst = 5
	m := NewManager(cfg)
	const ch = "chn_burst"

	for i := 0; i < 5; i++ {
		if err := m.Acquire(ch); err != nil {
			t.Fatalf("acquire %d within burst: %v", i, err)
		}
	}
	if err := m.Acquire(ch); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited past burst, got %v", err)
	}
}

func TestLimiterRejectionDoesNotCountAsBreakerFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Rate = 0.001
	cfg.Burst = 1
	m := NewManager(cfg)
	const ch = "chn_nofail"

	if err := m.Acquire(ch); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := m.Acquire(ch); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected ErrRateLimited, got %v", err)
		}
	}
	if got := m.ChannelSnapshot(ch).Breaker.ConsecutiveFailures; got != 0 {
		t.Fatalf("consecutive failures = %d, want 0", got)
	}
}

func TestOpenCircuitDoesNotDrainTokens(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Rate = 0.001
	cfg.Burst = 3
	m := NewManager(cfg)
	const ch = "chn_tokens"

	for i := 0; i < 3; i++ {
		m.RecordFailure(ch)
	}
	before := m.ChannelSnapshot(ch).TokensAvailable
	for i := 0; i < 5; i++ {
		if err := m.Acquire(ch); !errors.Is(err, ErrOpen) {
			t.Fatalf("expected ErrOpen, got %v", err)
		}
	}
	after := m.ChannelSnapshot(ch).TokensAvailable
	if after < before-0.01 {
		t.Fatalf("tokens drained while open: before %.2f after %.2f", before, after)
	}
}

func TestManagerPerChannelIsolation(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig())

	for i := 0; i < 3; i++ {
		m.RecordFailure("chn_bad")
	}
	if err := m.Acquire("chn_bad"); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected chn_bad open, got %v", err)
	}
	if err := m.Acquire("chn_good"); err != nil {
		t.Fatalf("expected chn_good unaffected, got %v", err)
	}
}

func TestManagerConfigureOverride(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig())
	m.Configure("chn_slow", ChannelConfig{
		Rate:    0.001,
		Burst:   1,
		Breaker: DefaultBreakerConfig(),
	})

	if err := m.Acquire("chn_slow"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := m.Acquire("chn_slow"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected override burst of 1 to reject, got %v", err)
	}
}

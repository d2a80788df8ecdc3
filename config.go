package syndicate

import "time"

// Config holds engine-wide configuration.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int

	// PollInterval is how often idle workers poll for new jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often running jobs send heartbeats.
	HeartbeatInterval time.Duration

	// StaleClaimThreshold is how long a running job may go without a
	// heartbeat before its claim is considered abandoned and reset.
	StaleClaimThreshold time.Duration

	// MaxJobAttempts caps manual retries of a failed job. A failed job
	// at the cap is terminal and can no longer be retried.
	MaxJobAttempts int

	// DedupWindow is how long a job fingerprint reservation is held.
	DedupWindow time.Duration

	// DispatchTimeout bounds every external delivery call. A call that
	// exceeds it is classified as a transient network failure.
	DispatchTimeout time.Duration

	// MaxDeliveryAttempts caps retries of a distribution record, after
	// which it is permanently failed.
	MaxDeliveryAttempts int

	// DistributionEnabled is the initial position of the distribution
	// kill switch. It can be flipped at runtime on the engine.
	DistributionEnabled bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:         10,
		PollInterval:        1 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		StaleClaimThreshold: 30 * time.Second,
		MaxJobAttempts:      5,
		DedupWindow:         10 * time.Minute,
		DispatchTimeout:     15 * time.Second,
		MaxDeliveryAttempts: 5,
		DistributionEnabled: true,
	}
}

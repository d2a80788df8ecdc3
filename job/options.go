package job

import "time"

// Options configures per-job behavior such as priority and timeout.
type Options struct {
	// Priority determines claim ordering. Higher values are served first.
	Priority int

	// MaxAttempts caps manual retries of a failed job. Zero falls back
	// to the engine-wide default.
	MaxAttempts int

	// Timeout is the maximum duration a single run may take before its
	// context is cancelled.
	Timeout time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Priority:    0,
		MaxAttempts: 0,
		Timeout:     5 * time.Minute,
	}
}

// Option is a functional option for configuring an enqueued job.
type Option func(*Options)

// WithPriority sets the job priority. Higher values are served first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxAttempts caps manual retries for the job.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithTimeout sets the maximum execution duration for one run.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

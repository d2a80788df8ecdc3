// Package observability provides an OpenTelemetry-based metrics
// extension for syndicate. The MetricsExtension implements lifecycle
// hooks to record system-wide counters for job enqueue, success,
// failure, retry, cancellation, and distribution events.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability

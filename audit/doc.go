// Package audit is an extension that bridges engine lifecycle events to
// an audit trail backend.
//
// Every job, distribution, and circuit-breaker hook emits a structured
// audit event through the [Recorder] interface. The extension assigns
// severity levels (info for normal operations, warning for retries and
// rate pressure, critical for terminal failures) and attaches metadata
// such as job type, step, attempt counts, and errors.
//
// # Usage
//
//	eng, err := engine.New(store,
//	    engine.WithExtension(audit.New(audit.RecorderFunc(
//	        func(ctx context.Context, evt *audit.Event) error {
//	            return trail.Append(ctx, evt)
//	        },
//	    ))),
//	)
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionJobFailed,
//	        audit.ActionDistributionFailed,
//	        audit.ActionBreakerStateChanged,
//	    ),
//	)
package audit

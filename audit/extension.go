package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressline/syndicate/distribution"
	"github.com/pressline/syndicate/ext"
	"github.com/pressline/syndicate/guard"
	"github.com/pressline/syndicate/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension              = (*Extension)(nil)
	_ ext.JobEnqueued            = (*Extension)(nil)
	_ ext.JobStarted             = (*Extension)(nil)
	_ ext.JobStepCompleted       = (*Extension)(nil)
	_ ext.JobSucceeded           = (*Extension)(nil)
	_ ext.JobFailed              = (*Extension)(nil)
	_ ext.JobRetried             = (*Extension)(nil)
	_ ext.JobCancelled           = (*Extension)(nil)
	_ ext.DistributionDispatched = (*Extension)(nil)
	_ ext.DistributionFailed     = (*Extension)(nil)
	_ ext.BreakerStateChanged    = (*Extension)(nil)
)

// Recorder is the interface audit backends must implement. It is defined
// locally so this package does not depend on any particular trail store;
// callers inject the concrete backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is a structured audit record of one lifecycle transition.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges engine lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the
// [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided
// Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (e *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", j.Type,
		"priority", j.Priority,
	)
}

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", j.Type,
		"worker_id", j.WorkerID.String(),
		"resume_step", j.Step,
	)
}

// OnJobStepCompleted implements ext.JobStepCompleted.
func (e *Extension) OnJobStepCompleted(ctx context.Context, j *job.Job, stepName string) error {
	return e.record(ctx, ActionStepCompleted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", j.Type,
		"step", stepName,
	)
}

// OnJobSucceeded implements ext.JobSucceeded.
func (e *Extension) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return e.record(ctx, ActionJobSucceeded, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", j.Type,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobFailed implements ext.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return e.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, jobErr,
		"job_type", j.Type,
		"step", j.Step,
		"attempts", j.Attempts,
		"max_attempts", j.MaxAttempts,
	)
}

// OnJobRetried implements ext.JobRetried.
func (e *Extension) OnJobRetried(ctx context.Context, j *job.Job, attempt int) error {
	return e.record(ctx, ActionJobRetried, SeverityWarning, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", j.Type,
		"attempt", attempt,
		"resume_step", j.Step,
	)
}

// OnJobCancelled implements ext.JobCancelled.
func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobCancelled, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", j.Type,
		"step", j.Step,
	)
}

// ── Distribution lifecycle hooks ────────────────────

// OnDistributionDispatched implements ext.DistributionDispatched.
func (e *Extension) OnDistributionDispatched(ctx context.Context, rec *distribution.Record) error {
	return e.record(ctx, ActionDistributionDispatched, SeverityInfo, OutcomeSuccess,
		ResourceDistribution, rec.ID.String(), CategoryDistribution, nil,
		"post_id", rec.PostID.String(),
		"channel_id", rec.ChannelID.String(),
		"attempts", rec.Attempts,
		"external_ref", rec.ExternalRef,
	)
}

// OnDistributionFailed implements ext.DistributionFailed.
func (e *Extension) OnDistributionFailed(ctx context.Context, rec *distribution.Record, deliveryErr error) error {
	return e.record(ctx, ActionDistributionFailed, SeverityCritical, OutcomeFailure,
		ResourceDistribution, rec.ID.String(), CategoryDistribution, deliveryErr,
		"post_id", rec.PostID.String(),
		"channel_id", rec.ChannelID.String(),
		"attempts", rec.Attempts,
	)
}

// ── Channel guard hooks ─────────────────────────────

// OnBreakerStateChanged implements ext.BreakerStateChanged. Transitions
// into OPEN are critical; recoveries back to CLOSED are informational.
func (e *Extension) OnBreakerStateChanged(ctx context.Context, channelID string, from, to guard.State) error {
	severity := SeverityInfo
	outcome := OutcomeSuccess
	if to == guard.StateOpen {
		severity = SeverityCritical
		outcome = OutcomeFailure
	}
	return e.record(ctx, ActionBreakerStateChanged, severity, outcome,
		ResourceChannel, channelID, CategoryChannel, nil,
		"from", string(from),
		"to", string(to),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// kvPairs is a flat list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	// A failing audit backend must never fail the operation it observes.
	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}

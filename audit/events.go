package audit

// Audit event actions. Each constant corresponds to one ext lifecycle
// hook and becomes the Action field of the audit event.
const (
	ActionJobEnqueued   = "job.enqueued"
	ActionJobStarted    = "job.started"
	ActionJobSucceeded  = "job.succeeded"
	ActionJobFailed     = "job.failed"
	ActionJobRetried    = "job.retried"
	ActionJobCancelled  = "job.cancelled"
	ActionStepCompleted = "job.step_completed"

	ActionDistributionDispatched = "distribution.dispatched"
	ActionDistributionFailed     = "distribution.failed"

	ActionBreakerStateChanged = "channel.breaker_state_changed"
)

// Audit event categories group related actions.
const (
	CategoryJob          = "syndicate.job"
	CategoryDistribution = "syndicate.distribution"
	CategoryChannel      = "syndicate.channel"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob          = "job"
	ResourceDistribution = "distribution"
	ResourceChannel      = "channel"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobSucceeded,
		ActionJobFailed,
		ActionJobRetried,
		ActionJobCancelled,
		ActionStepCompleted,
		ActionDistributionDispatched,
		ActionDistributionFailed,
		ActionBreakerStateChanged,
	}
}

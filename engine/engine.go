package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/dedup"
	"github.com/pressline/syndicate/distribution"
	"github.com/pressline/syndicate/ext"
	"github.com/pressline/syndicate/guard"
	"github.com/pressline/syndicate/health"
	"github.com/pressline/syndicate/id"
	"github.com/pressline/syndicate/job"
	mw "github.com/pressline/syndicate/middleware"
	"github.com/pressline/syndicate/observability"
	"github.com/pressline/syndicate/queue"
	"github.com/pressline/syndicate/scheduler"
	"github.com/pressline/syndicate/store"
	"github.com/pressline/syndicate/worker"
	"github.com/pressline/syndicate/workflow"
)

// extJobEmitter adapts *ext.Registry to workflow.Emitter. The runner's
// signatures carry step timing the hook interfaces do not, so the
// adapter narrows them.
type extJobEmitter struct {
	r *ext.Registry
}

func (a *extJobEmitter) EmitJobStepCompleted(ctx context.Context, j *job.Job, stepName string, _ time.Duration) {
	a.r.EmitJobStepCompleted(ctx, j, stepName)
}

func (a *extJobEmitter) EmitJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) {
	a.r.EmitJobSucceeded(ctx, j, elapsed)
}

func (a *extJobEmitter) EmitJobFailed(ctx context.Context, j *job.Job, _ string, err error) {
	a.r.EmitJobFailed(ctx, j, err)
}

func (a *extJobEmitter) EmitJobCancelled(ctx context.Context, j *job.Job) {
	a.r.EmitJobCancelled(ctx, j)
}

// dedupReleaser frees a job's fingerprint reservation once the job
// reaches a terminal state, so an identical submission is accepted again
// immediately after SUCCEEDED, FAILED, or CANCELLED instead of waiting
// out the dedup window.
type dedupReleaser struct {
	guard  *dedup.Guard
	logger *slog.Logger
}

var (
	_ ext.Extension    = (*dedupReleaser)(nil)
	_ ext.JobSucceeded = (*dedupReleaser)(nil)
	_ ext.JobFailed    = (*dedupReleaser)(nil)
	_ ext.JobCancelled = (*dedupReleaser)(nil)
)

func (d *dedupReleaser) Name() string { return "dedup-release" }

func (d *dedupReleaser) release(ctx context.Context, j *job.Job) error {
	if j.Fingerprint == "" {
		return nil
	}
	if err := d.guard.Release(ctx, j.Fingerprint); err != nil {
		d.logger.Warn("failed to release dedup reservation",
			slog.String("job_id", j.ID.String()),
			slog.String("fingerprint", j.Fingerprint),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (d *dedupReleaser) OnJobSucceeded(ctx context.Context, j *job.Job, _ time.Duration) error {
	return d.release(ctx, j)
}

func (d *dedupReleaser) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	return d.release(ctx, j)
}

func (d *dedupReleaser) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return d.release(ctx, j)
}

// Engine is the top-level entry point. It owns every subsystem and
// exposes the job and distribution operations.
type Engine struct {
	cfg    syndicate.Config
	store  store.Store
	logger *slog.Logger

	extensions *ext.Registry
	workflows  *workflow.Registry
	runner     *workflow.Runner
	dedup      *dedup.Guard
	queue      *queue.Queue
	pool       *worker.Pool

	guards     *guard.Manager
	adapters   *distribution.AdapterRegistry
	dispatcher *distribution.Dispatcher
	scheduler  *scheduler.Scheduler
	health     *health.Reporter

	// Collected by options, consumed in New.
	pendingExts    []ext.Extension
	mws            []mw.Middleware
	reserver       dedup.Reserver
	source         distribution.ContentSource
	guardDefaults  guard.ChannelConfig
	guardOverrides map[string]guard.ChannelConfig
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg syndicate.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExtension registers an extension with the engine.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.pendingExts = append(e.pendingExts, x) }
}

// WithMiddleware appends middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithReserver sets the dedup fingerprint reserver. Defaults to the
// in-memory reserver; use dedup.NewRedisReserver to share the window
// across processes.
func WithReserver(r dedup.Reserver) Option {
	return func(e *Engine) { e.reserver = r }
}

// WithContentSource sets the post resolver used when dispatching.
func WithContentSource(src distribution.ContentSource) Option {
	return func(e *Engine) { e.source = src }
}

// WithGuardDefaults sets the delivery guard config applied to channels
// without an explicit override.
func WithGuardDefaults(cfg guard.ChannelConfig) Option {
	return func(e *Engine) { e.guardDefaults = cfg }
}

// WithChannelGuard sets a per-channel guard override.
func WithChannelGuard(channelID string, cfg guard.ChannelConfig) Option {
	return func(e *Engine) { e.guardOverrides[channelID] = cfg }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set, the
// global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for both the
// metrics middleware and the observability extension. If not set, the
// global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New builds an Engine on top of the given store.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, syndicate.ErrNoStore
	}

	e := &Engine{
		cfg:            syndicate.DefaultConfig(),
		store:          st,
		logger:         slog.Default(),
		guardDefaults:  guard.DefaultChannelConfig(),
		guardOverrides: make(map[string]guard.ChannelConfig),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.extensions = ext.NewRegistry(e.logger)
	e.workflows = workflow.NewRegistry()
	e.queue = queue.New()
	e.dedup = dedup.NewGuard(st, e.reserver, e.cfg.DedupWindow)

	e.extensions.Register(&dedupReleaser{guard: e.dedup, logger: e.logger})

	// Register the observability metrics extension, then user extensions.
	var obsExt *observability.MetricsExtension
	var obsErr error
	if e.meterProvider != nil {
		obsExt, obsErr = observability.NewMetricsExtensionWithMeter(
			e.meterProvider.Meter("github.com/pressline/syndicate/observability"))
	} else {
		obsExt, obsErr = observability.NewMetricsExtension()
	}
	if obsErr != nil {
		return nil, fmt.Errorf("engine: build metrics extension: %w", obsErr)
	}
	e.extensions.Register(obsExt)
	for _, x := range e.pendingExts {
		e.extensions.Register(x)
	}

	e.runner = workflow.NewRunner(e.workflows, st, &extJobEmitter{r: e.extensions}, e.logger)

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/pressline/syndicate"))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/pressline/syndicate"))
	} else {
		metricsMw = mw.Metrics()
	}
	allMws := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Timeout(e.logger),
	}
	allMws = append(allMws, e.mws...)

	executor := worker.NewExecutor(e.runner, st, e.logger, allMws...)
	e.pool = worker.NewPool(e.queue, st, executor, e.extensions, e.logger,
		worker.WithPoolConcurrency(e.cfg.Concurrency),
		worker.WithPollInterval(e.cfg.PollInterval),
		worker.WithHeartbeatInterval(e.cfg.HeartbeatInterval),
		worker.WithStaleClaimThreshold(e.cfg.StaleClaimThreshold),
	)

	// Distribution subsystem.
	e.guards = guard.NewManager(e.guardDefaults)
	for channelID, cfg := range e.guardOverrides {
		e.guards.Configure(channelID, cfg)
	}
	e.guards.OnStateChange(func(channelID string, from, to guard.State) {
		e.extensions.EmitBreakerStateChanged(context.Background(), channelID, from, to)
	})

	e.adapters = distribution.NewAdapterRegistry()
	dispatcher, err := distribution.NewDispatcher(st, e.adapters, e.guards,
		distribution.WithContentSource(e.source),
		distribution.WithEmitter(e.extensions),
		distribution.WithLogger(e.logger),
		distribution.WithDispatchTimeout(e.cfg.DispatchTimeout),
		distribution.WithMaxDeliveryAttempts(e.cfg.MaxDeliveryAttempts),
	)
	if err != nil {
		return nil, err
	}
	dispatcher.SetEnabled(e.cfg.DistributionEnabled)
	e.dispatcher = dispatcher

	e.scheduler = scheduler.New(dispatcher, e.logger)
	e.health = health.NewReporter(e.guards, st)

	return e, nil
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

// RegisterWorkflow registers a typed step chain for a job type.
func RegisterWorkflow[T any](e *Engine, def *workflow.Definition[T]) {
	workflow.RegisterDefinition(e.workflows, def)
}

// RegisterSteps registers an untyped step chain for a job type.
func (e *Engine) RegisterSteps(jobType string, steps ...workflow.Step) {
	e.workflows.Register(jobType, steps...)
}

// RegisterAdapter registers a platform adapter by its channel type.
func (e *Engine) RegisterAdapter(a distribution.Adapter) {
	e.adapters.Register(a)
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// Enqueue marshals a typed payload and enqueues a job.
func Enqueue[T any](ctx context.Context, e *Engine, jobType string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal payload for job %q: %w", jobType, err)
	}
	return e.EnqueueJob(ctx, jobType, data, opts...)
}

// EnqueueJob enqueues a job with a pre-serialized JSON payload. The
// submission is fingerprinted and rejected as a duplicate conflict when
// an open job with the same fingerprint exists or the fingerprint is
// still inside the dedup window.
func (e *Engine) EnqueueJob(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if _, ok := e.workflows.Chain(jobType); !ok {
		return nil, fmt.Errorf("%w: %q", syndicate.ErrUnknownJobType, jobType)
	}

	fp, err := e.dedup.CheckAndReserve(ctx, jobType, payload)
	if err != nil {
		return nil, err
	}

	jobOpts := job.DefaultOptions()
	for _, opt := range opts {
		opt(&jobOpts)
	}
	maxAttempts := jobOpts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxJobAttempts
	}

	j := &job.Job{
		Entity:      syndicate.NewEntity(),
		ID:          id.NewJobID(),
		Type:        jobType,
		Payload:     payload,
		Priority:    jobOpts.Priority,
		Status:      job.StatusPending,
		Fingerprint: fp,
		MaxAttempts: maxAttempts,
		Timeout:     jobOpts.Timeout,
	}

	if err := e.store.CreateJob(ctx, j); err != nil {
		// Free the reservation so the caller can resubmit immediately.
		if relErr := e.dedup.Release(ctx, fp); relErr != nil {
			e.logger.Warn("failed to release dedup reservation",
				slog.String("fingerprint", fp),
				slog.String("error", relErr.Error()),
			)
		}
		return nil, err
	}

	e.queue.Enqueue(queue.Ref{JobID: j.ID, Type: j.Type, Priority: j.Priority, CreatedAt: j.CreatedAt})
	e.extensions.EmitJobEnqueued(ctx, j)
	return j, nil
}

// GetJob returns one job by id.
func (e *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching opts, newest first.
func (e *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return e.store.ListJobs(ctx, opts)
}

// CountJobs returns the number of jobs matching opts.
func (e *Engine) CountJobs(ctx context.Context, opts job.ListOpts) (int64, error) {
	return e.store.CountJobs(ctx, opts)
}

// RetryJob re-submits a failed job: status resets to PENDING and the
// attempt count increments by exactly one. The job resumes from its last
// completed step, keeping its original fingerprint, and is refused once
// its attempt budget is spent.
func (e *Engine) RetryJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusFailed {
		return nil, &syndicate.InvalidStateError{Op: "retry job", Status: string(j.Status)}
	}
	if j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts {
		return nil, fmt.Errorf("%w: %d attempts used", syndicate.ErrRetryExhausted, j.Attempts)
	}

	resumed, err := e.store.SwapJobStatus(ctx, jobID, []job.Status{job.StatusFailed}, job.StatusPending)
	if err != nil {
		return nil, err
	}

	resumed.Attempts++
	if err := e.store.UpdateJob(ctx, resumed); err != nil {
		return nil, fmt.Errorf("engine: persist retry attempt for job %s: %w", jobID, err)
	}

	e.queue.Enqueue(queue.Ref{JobID: resumed.ID, Type: resumed.Type, Priority: resumed.Priority, CreatedAt: resumed.CreatedAt})
	e.extensions.EmitJobRetried(ctx, resumed, resumed.Attempts)
	return resumed, nil
}

// CancelJob cancels a job that is queued (PENDING) or parked at a step
// boundary (STEP_COMPLETE). A job actively executing a step cannot be
// cancelled; cancelling a RUNNING or terminal job fails with
// ErrInvalidState.
func (e *Engine) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	cancelled, err := e.store.SwapJobStatus(ctx, jobID,
		[]job.Status{job.StatusPending, job.StatusStepComplete}, job.StatusCancelled)
	if err != nil {
		return nil, err
	}

	e.queue.Remove(jobID)
	e.extensions.EmitJobCancelled(ctx, cancelled)
	return cancelled, nil
}

// ──────────────────────────────────────────────────
// Channels and distribution
// ──────────────────────────────────────────────────

// CreateChannel registers a delivery channel.
func (e *Engine) CreateChannel(ctx context.Context, name, channelType string, config json.RawMessage) (*distribution.Channel, error) {
	if name == "" || channelType == "" {
		return nil, fmt.Errorf("%w: channel name and type are required", syndicate.ErrValidation)
	}
	ch := &distribution.Channel{
		Entity: syndicate.NewEntity(),
		ID:     id.NewChannelID(),
		Name:   name,
		Type:   channelType,
		Config: config,
		Active: true,
	}
	if err := e.store.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// UpdateChannel persists changes to a channel.
func (e *Engine) UpdateChannel(ctx context.Context, ch *distribution.Channel) error {
	return e.store.UpdateChannel(ctx, ch)
}

// GetChannel returns one channel by id.
func (e *Engine) GetChannel(ctx context.Context, chID id.ChannelID) (*distribution.Channel, error) {
	return e.store.GetChannel(ctx, chID)
}

// ListChannels returns all channels.
func (e *Engine) ListChannels(ctx context.Context) ([]*distribution.Channel, error) {
	return e.store.ListChannels(ctx)
}

// ConfigureChannelGuard sets the rate and breaker config for a channel.
func (e *Engine) ConfigureChannelGuard(channelID string, cfg guard.ChannelConfig) {
	e.guards.Configure(channelID, cfg)
}

// Distribute fans posts out to channels. Records created without a
// schedule are dispatched immediately; scheduled ones wait for the
// scheduler tick. Pairs with an open record are skipped, so the call is
// idempotent. Individual delivery failures are recorded on their
// records, not returned.
func (e *Engine) Distribute(ctx context.Context, postIDs []id.PostID, channelIDs []id.ChannelID, scheduledAt *time.Time) ([]*distribution.Record, error) {
	created, err := e.dispatcher.BulkDistribute(ctx, postIDs, channelIDs, scheduledAt)
	if err != nil {
		return nil, err
	}
	if scheduledAt != nil {
		return created, nil
	}

	out := make([]*distribution.Record, 0, len(created))
	for _, rec := range created {
		dispatched, dispatchErr := e.dispatcher.Dispatch(ctx, rec.ID)
		if dispatchErr != nil {
			if dispatched == nil {
				out = append(out, rec)
				continue
			}
		}
		out = append(out, dispatched)
	}
	return out, nil
}

// DispatchDistribution delivers one pending record now.
func (e *Engine) DispatchDistribution(ctx context.Context, recID id.DistributionID) (*distribution.Record, error) {
	return e.dispatcher.Dispatch(ctx, recID)
}

// RetryDistribution re-submits a failed record.
func (e *Engine) RetryDistribution(ctx context.Context, recID id.DistributionID) (*distribution.Record, error) {
	return e.dispatcher.Retry(ctx, recID)
}

// CancelDistribution cancels a scheduled or pending record.
func (e *Engine) CancelDistribution(ctx context.Context, recID id.DistributionID) (*distribution.Record, error) {
	return e.dispatcher.Cancel(ctx, recID)
}

// GetDistribution returns one record by id.
func (e *Engine) GetDistribution(ctx context.Context, recID id.DistributionID) (*distribution.Record, error) {
	return e.dispatcher.Get(ctx, recID)
}

// GetPostDistributions returns every record for a post.
func (e *Engine) GetPostDistributions(ctx context.Context, postID id.PostID) ([]*distribution.Record, error) {
	return e.dispatcher.PostDistributions(ctx, postID)
}

// ListDistributions returns records matching the filter.
func (e *Engine) ListDistributions(ctx context.Context, opts distribution.ListOpts) ([]*distribution.Record, error) {
	return e.dispatcher.List(ctx, opts)
}

// SetDistributionEnabled flips the distribution kill switch. Disabling
// refuses new dispatches and retries; cancellation stays available.
func (e *Engine) SetDistributionEnabled(on bool) {
	e.dispatcher.SetEnabled(on)
	e.logger.Info("distribution kill switch", slog.Bool("enabled", on))
}

// DistributionEnabled reports the kill switch position.
func (e *Engine) DistributionEnabled() bool { return e.dispatcher.Enabled() }

// HealthCheck reports per-channel delivery health.
func (e *Engine) HealthCheck(ctx context.Context) (map[string]health.ChannelHealth, error) {
	return e.health.HealthCheck(ctx)
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start migrates the store, recovers interrupted work, and launches the
// worker pool and the distribution scheduler. Jobs orphaned in running
// state by a previous process are reset to pending and re-queued with
// their last completed step intact.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("engine: store ping: %w", err)
	}
	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("engine: migrate: %w", err)
	}

	reaped, err := e.store.ReapStaleJobs(ctx, e.cfg.StaleClaimThreshold)
	if err != nil {
		return fmt.Errorf("engine: recover orphaned jobs: %w", err)
	}
	if len(reaped) > 0 {
		e.logger.Info("recovered orphaned jobs", slog.Int("count", len(reaped)))
	}

	pending, err := e.store.PendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("engine: reload pending jobs: %w", err)
	}
	for _, j := range pending {
		e.queue.Enqueue(queue.Ref{JobID: j.ID, Type: j.Type, Priority: j.Priority, CreatedAt: j.CreatedAt})
	}
	if len(pending) > 0 {
		e.logger.Info("reloaded pending jobs", slog.Int("count", len(pending)))
	}

	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("engine: start worker pool: %w", err)
	}
	return e.scheduler.Start(ctx)
}

// Stop gracefully shuts the engine down: the scheduler stops ticking,
// workers drain within the shutdown budget, extensions observe the
// shutdown, and the store closes last.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.scheduler.Stop(ctx); err != nil {
		e.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}

	stopCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := e.pool.Stop(stopCtx); err != nil {
		e.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}

	e.extensions.EmitShutdown(ctx)
	return e.store.Close()
}

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Workflows returns the workflow step registry.
func (e *Engine) Workflows() *workflow.Registry { return e.workflows }

// Dispatcher returns the distribution dispatcher.
func (e *Engine) Dispatcher() *distribution.Dispatcher { return e.dispatcher }

// Guards returns the per-channel guard manager.
func (e *Engine) Guards() *guard.Manager { return e.guards }

// WorkerID returns the pool's worker identifier.
func (e *Engine) WorkerID() id.WorkerID { return e.pool.WorkerID() }

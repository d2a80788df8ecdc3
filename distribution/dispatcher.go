package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/guard"
	"github.com/pressline/syndicate/id"
)

// Emitter receives distribution lifecycle notifications. The engine
// wires its extension registry here; tests use lightweight fakes.
type Emitter interface {
	EmitDistributionDispatched(ctx context.Context, rec *Record)
	EmitDistributionFailed(ctx context.Context, rec *Record, err error)
}

type nopEmitter struct{}

func (nopEmitter) EmitDistributionDispatched(context.Context, *Record)    {}
func (nopEmitter) EmitDistributionFailed(context.Context, *Record, error) {}

// Dispatcher pushes distribution records to external platforms through
// registered adapters. Every dispatch consults the channel's guard
// (breaker, then limiter) before the external call, and every external
// call carries a timeout after which the attempt counts as a transient
// network failure.
type Dispatcher struct {
	store    Store
	source   ContentSource
	adapters *AdapterRegistry
	guard    *guard.Manager
	emitter  Emitter
	logger   *slog.Logger

	timeout     time.Duration
	maxAttempts int
	bulkWorkers int

	// enabled is the module kill switch. When false, dispatch, retry,
	// and bulk operations are refused; in-flight calls finish and
	// cancellation stays available.
	enabled atomic.Bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithContentSource sets the post resolver.
func WithContentSource(src ContentSource) DispatcherOption {
	return func(d *Dispatcher) { d.source = src }
}

// WithEmitter sets the lifecycle hook sink.
func WithEmitter(e Emitter) DispatcherOption {
	return func(d *Dispatcher) {
		if e != nil {
			d.emitter = e
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDispatchTimeout bounds each external platform call.
func WithDispatchTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMaxDeliveryAttempts caps attempts per record across retries.
func WithMaxDeliveryAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBulkWorkers bounds the concurrency of BulkDistribute.
func WithBulkWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.bulkWorkers = n
		}
	}
}

// NewDispatcher builds a Dispatcher. The store, adapter registry, and
// guard manager are required; everything else has defaults.
func NewDispatcher(store Store, adapters *AdapterRegistry, g *guard.Manager, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, syndicate.ErrNoStore
	}
	if adapters == nil {
		adapters = NewAdapterRegistry()
	}
	if g == nil {
		g = guard.NewManager(guard.DefaultChannelConfig())
	}
	cfg := syndicate.DefaultConfig()
	d := &Dispatcher{
		store:       store,
		adapters:    adapters,
		guard:       g,
		emitter:     nopEmitter{},
		logger:      slog.Default(),
		timeout:     cfg.DispatchTimeout,
		maxAttempts: cfg.MaxDeliveryAttempts,
		bulkWorkers: 4,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.enabled.Store(true)
	return d, nil
}

// SetEnabled flips the module kill switch.
func (d *Dispatcher) SetEnabled(on bool) { d.enabled.Store(on) }

// Enabled reports whether dispatching is currently allowed.
func (d *Dispatcher) Enabled() bool { return d.enabled.Load() }

// Guard exposes the guard manager for health reporting.
func (d *Dispatcher) Guard() *guard.Manager { return d.guard }

// ──────────────────────────────────────────────────
// Dispatch
// ──────────────────────────────────────────────────

// Dispatch claims a pending record and delivers it to its channel.
// The record moves PENDING → IN_PROGRESS → SUCCEEDED/FAILED; attempts
// increments once per claim. Failures are classified as *DeliveryError.
func (d *Dispatcher) Dispatch(ctx context.Context, recID id.DistributionID) (*Record, error) {
	if !d.enabled.Load() {
		return nil, syndicate.ErrModuleDisabled
	}

	rec, err := d.store.SwapStatus(ctx, recID, []Status{StatusPending}, StatusInProgress)
	if err != nil {
		return nil, err
	}
	rec.Attempts++
	if err := d.store.UpdateDistribution(ctx, rec); err != nil {
		return nil, err
	}

	ch, err := d.store.GetChannel(ctx, rec.ChannelID)
	if err != nil {
		return d.fail(ctx, rec, NewDeliveryError(KindPermanent, err))
	}
	if !ch.Active {
		return d.fail(ctx, rec, NewDeliveryError(KindPermanent, syndicate.ErrChannelInactive))
	}

	// Guard pre-check: only a clean pass attempts the real call, and a
	// pre-check rejection never feeds the breaker's failure count.
	if err := d.guard.Acquire(ch.ID.String()); err != nil {
		return d.fail(ctx, rec, d.classifyGuard(err))
	}

	adapter, err := d.adapters.Adapter(ch.Type)
	if err != nil {
		d.guard.RecordFailure(ch.ID.String())
		return d.fail(ctx, rec, NewDeliveryError(KindPermanent, err))
	}
	if d.source == nil {
		d.guard.RecordFailure(ch.ID.String())
		return d.fail(ctx, rec, NewDeliveryError(KindPermanent, errors.New("no content source configured")))
	}
	post, err := d.source.GetPost(ctx, rec.PostID)
	if err != nil {
		d.guard.RecordFailure(ch.ID.String())
		return d.fail(ctx, rec, NewDeliveryError(KindPermanent, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	ref, err := adapter.Deliver(callCtx, ch, post)
	cancel()
	if err != nil {
		d.guard.RecordFailure(ch.ID.String())
		return d.fail(ctx, rec, d.classifyDelivery(callCtx, err))
	}

	d.guard.RecordSuccess(ch.ID.String())

	rec.Status = StatusSucceeded
	rec.ExternalRef = ref
	rec.LastError = ""
	rec.Touch()
	if err := d.store.UpdateDistribution(ctx, rec); err != nil {
		return nil, err
	}

	d.logger.Info("distribution delivered",
		slog.String("distribution_id", rec.ID.String()),
		slog.String("channel_id", rec.ChannelID.String()),
		slog.String("external_ref", ref),
		slog.Int("attempts", rec.Attempts))
	d.emitter.EmitDistributionDispatched(ctx, rec)
	return rec, nil
}

// classifyGuard maps guard rejections onto the delivery taxonomy.
func (d *Dispatcher) classifyGuard(err error) *DeliveryError {
	switch {
	case errors.Is(err, guard.ErrOpen):
		return NewDeliveryError(KindCircuitOpen, err)
	case errors.Is(err, guard.ErrRateLimited):
		return NewDeliveryError(KindRateLimited, err)
	default:
		return NewDeliveryError(KindTransientNetwork, err)
	}
}

// classifyDelivery maps an adapter error onto the delivery taxonomy.
// Adapters return *DeliveryError for classified outcomes; a deadline
// hit and anything unclassified count as transient network failures.
func (d *Dispatcher) classifyDelivery(callCtx context.Context, err error) *DeliveryError {
	var derr *DeliveryError
	if errors.As(err, &derr) {
		return derr
	}
	if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
		return NewDeliveryError(KindTransientNetwork, fmt.Errorf("dispatch timed out after %s: %w", d.timeout, err))
	}
	return NewDeliveryError(KindTransientNetwork, err)
}

// fail records a delivery failure and returns the classified error.
func (d *Dispatcher) fail(ctx context.Context, rec *Record, derr *DeliveryError) (*Record, error) {
	rec.Status = StatusFailed
	rec.LastError = string(derr.Kind) + ": " + truncate(derr.Error(), 500)
	rec.Touch()
	if err := d.store.UpdateDistribution(ctx, rec); err != nil {
		d.logger.Error("failed to persist distribution failure",
			slog.String("distribution_id", rec.ID.String()),
			slog.String("error", err.Error()))
	}
	d.logger.Warn("distribution delivery failed",
		slog.String("distribution_id", rec.ID.String()),
		slog.String("channel_id", rec.ChannelID.String()),
		slog.String("kind", string(derr.Kind)),
		slog.Int("attempts", rec.Attempts),
		slog.String("error", derr.Error()))
	d.emitter.EmitDistributionFailed(ctx, rec, derr)
	return rec, derr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ──────────────────────────────────────────────────
// Bulk distribute
// ──────────────────────────────────────────────────

// BulkDistribute creates one record per (post, channel) pair, skipping
// pairs that already have an open record, so re-invoking with the same
// arguments creates no duplicates. When scheduledAt is non-nil the
// records start SCHEDULED; otherwise they start PENDING. Returns the
// records created by this call.
func (d *Dispatcher) BulkDistribute(ctx context.Context, postIDs []id.PostID, channelIDs []id.ChannelID, scheduledAt *time.Time) ([]*Record, error) {
	if !d.enabled.Load() {
		return nil, syndicate.ErrModuleDisabled
	}
	if len(postIDs) == 0 || len(channelIDs) == 0 {
		return nil, fmt.Errorf("%w: bulk distribute needs at least one post and one channel", syndicate.ErrValidation)
	}

	results := make([][]*Record, len(postIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.bulkWorkers)
	for i, postID := range postIDs {
		g.Go(func() error {
			created, err := d.distributePost(gctx, postID, channelIDs, scheduledAt)
			if err != nil {
				return err
			}
			results[i] = created
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*Record
	for _, created := range results {
		out = append(out, created...)
	}
	return out, nil
}

func (d *Dispatcher) distributePost(ctx context.Context, postID id.PostID, channelIDs []id.ChannelID, scheduledAt *time.Time) ([]*Record, error) {
	var created []*Record
	for _, chID := range channelIDs {
		_, err := d.store.FindOpenDistribution(ctx, postID, chID)
		if err == nil {
			continue // open record exists, pair is idempotent
		}
		if !errors.Is(err, syndicate.ErrDistributionNotFound) {
			return nil, err
		}

		status := StatusPending
		if scheduledAt != nil {
			status = StatusScheduled
		}
		rec := &Record{
			Entity:      syndicate.NewEntity(),
			ID:          id.NewDistributionID(),
			PostID:      postID,
			ChannelID:   chID,
			Status:      status,
			ScheduledAt: scheduledAt,
		}
		if err := d.store.CreateDistribution(ctx, rec); err != nil {
			return nil, err
		}
		created = append(created, rec)
	}
	return created, nil
}

// ──────────────────────────────────────────────────
// Retry / cancel / queries
// ──────────────────────────────────────────────────

// Retry re-submits a failed record immediately. It fails fast with
// CIRCUIT_OPEN when the channel's breaker is open, without consuming a
// rate token, and refuses records whose attempt budget is spent.
func (d *Dispatcher) Retry(ctx context.Context, recID id.DistributionID) (*Record, error) {
	if !d.enabled.Load() {
		return nil, syndicate.ErrModuleDisabled
	}

	rec, err := d.store.GetDistribution(ctx, recID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusFailed {
		return nil, &syndicate.InvalidStateError{Op: "retry distribution", Status: string(rec.Status)}
	}
	if d.maxAttempts > 0 && rec.Attempts >= d.maxAttempts {
		return nil, fmt.Errorf("%w: %d attempts used", syndicate.ErrRetryExhausted, rec.Attempts)
	}
	if snap := d.guard.ChannelSnapshot(rec.ChannelID.String()); snap.Breaker.State == guard.StateOpen && time.Now().Before(snap.Breaker.NextRetryAt) {
		return nil, NewDeliveryError(KindCircuitOpen, guard.ErrOpen)
	}

	if _, err := d.store.SwapStatus(ctx, recID, []Status{StatusFailed}, StatusPending); err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, recID)
}

// Cancel moves a scheduled or pending record to CANCELLED. Records in
// progress or already terminal fail with an invalid-state error.
func (d *Dispatcher) Cancel(ctx context.Context, recID id.DistributionID) (*Record, error) {
	return d.store.SwapStatus(ctx, recID, []Status{StatusScheduled, StatusPending}, StatusCancelled)
}

// Get returns one record by id.
func (d *Dispatcher) Get(ctx context.Context, recID id.DistributionID) (*Record, error) {
	return d.store.GetDistribution(ctx, recID)
}

// PostDistributions returns every record for a post.
func (d *Dispatcher) PostDistributions(ctx context.Context, postID id.PostID) ([]*Record, error) {
	return d.store.ListPostDistributions(ctx, postID)
}

// List returns records matching the filter.
func (d *Dispatcher) List(ctx context.Context, opts ListOpts) ([]*Record, error) {
	return d.store.ListDistributions(ctx, opts)
}

// DispatchDue promotes scheduled records whose time has come and
// dispatches each. Used by the scheduler tick; failures on individual
// records are logged and do not stop the batch.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if !d.enabled.Load() {
		return 0, nil
	}
	due, err := d.store.DueDistributions(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, rec := range due {
		if _, err := d.store.SwapStatus(ctx, rec.ID, []Status{StatusScheduled}, StatusPending); err != nil {
			continue // raced with a cancel or another promoter
		}
		if _, err := d.Dispatch(ctx, rec.ID); err != nil && !errors.Is(err, syndicate.ErrModuleDisabled) {
			d.logger.Warn("scheduled dispatch failed",
				slog.String("distribution_id", rec.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

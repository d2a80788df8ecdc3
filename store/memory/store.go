// Package memory is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/distribution"
	"github.com/pressline/syndicate/id"
	"github.com/pressline/syndicate/job"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store          = (*Store)(nil)
	_ distribution.Store = (*Store)(nil)
)

// Store holds every record behind one mutex, which makes claim and
// swap operations trivially atomic.
type Store struct {
	mu sync.RWMutex

	jobs          map[string]*job.Job
	distributions map[string]*distribution.Record
	channels      map[string]*distribution.Channel
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:          make(map[string]*job.Job),
		distributions: make(map[string]*distribution.Record),
		channels:      make(map[string]*distribution.Channel),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return syndicate.ErrAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, syndicate.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return syndicate.ErrJobNotFound
	}
	j.UpdatedAt = time.Now().UTC()
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// ClaimJob atomically moves a pending job to running for a worker.
// Exactly one of two racing claimers succeeds.
func (m *Store) ClaimJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, syndicate.ErrJobNotFound
	}
	if j.Status != job.StatusPending {
		return nil, &syndicate.InvalidStateError{Op: "claim job", Status: string(j.Status)}
	}

	now := time.Now().UTC()
	j.Status = job.StatusRunning
	j.WorkerID = workerID
	j.StartedAt = &now
	j.HeartbeatAt = &now
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// SwapJobStatus atomically transitions a job when its current status is
// one of from.
func (m *Store) SwapJobStatus(_ context.Context, jobID id.JobID, from []job.Status, to job.Status) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, syndicate.ErrJobNotFound
	}
	for _, f := range from {
		if j.Status == f {
			j.Status = to
			j.UpdatedAt = time.Now().UTC()
			cp := *j
			return &cp, nil
		}
	}
	return nil, &syndicate.InvalidStateError{Op: "swap job status", Status: string(j.Status)}
}

// FindOpenJobByFingerprint returns the open job with the fingerprint.
func (m *Store) FindOpenJobByFingerprint(_ context.Context, fingerprint string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.Fingerprint == fingerprint && j.Status.Open() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, syndicate.ErrJobNotFound
}

// ListJobs returns jobs matching opts, newest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := m.matchJobs(opts)
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*job.Job, len(matched))
	for i, j := range matched {
		cp := *j
		out[i] = &cp
	}
	return out, nil
}

// CountJobs returns the number of jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.ListOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.matchJobs(opts))), nil
}

// matchJobs collects jobs matching opts. Caller holds the lock.
func (m *Store) matchJobs(opts job.ListOpts) []*job.Job {
	matched := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.Type != "" && j.Type != opts.Type {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		matched = append(matched, j)
	}
	return matched
}

// PendingJobs returns all pending jobs.
func (m *Store) PendingJobs(_ context.Context) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*job.Job
	for _, j := range m.jobs {
		if j.Status == job.StatusPending {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

// HeartbeatJob refreshes the heartbeat for a job the worker still holds.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return syndicate.ErrJobNotFound
	}
	if j.Status != job.StatusRunning || j.WorkerID.String() != workerID.String() {
		return &syndicate.InvalidStateError{Op: "heartbeat", Status: string(j.Status)}
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return nil
}

// ReapStaleJobs resets running jobs with expired heartbeats to pending,
// preserving Step for resume, and returns them.
func (m *Store) ReapStaleJobs(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	var out []*job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusRunning {
			continue
		}
		hb := j.HeartbeatAt
		if hb == nil {
			hb = j.StartedAt
		}
		if hb != nil && hb.After(cutoff) {
			continue
		}
		j.Status = job.StatusPending
		j.WorkerID = id.WorkerID{}
		j.StartedAt = nil
		j.HeartbeatAt = nil
		j.UpdatedAt = now

		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Distribution Store
// ──────────────────────────────────────────────────

// CreateDistribution persists a new distribution record.
func (m *Store) CreateDistribution(_ context.Context, rec *distribution.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.ID.String()
	if _, exists := m.distributions[key]; exists {
		return syndicate.ErrAlreadyExists
	}
	cp := *rec
	m.distributions[key] = &cp
	return nil
}

// GetDistribution retrieves a record by ID.
func (m *Store) GetDistribution(_ context.Context, recID id.DistributionID) (*distribution.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.distributions[recID.String()]
	if !ok {
		return nil, syndicate.ErrDistributionNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpdateDistribution persists changes to an existing record.
func (m *Store) UpdateDistribution(_ context.Context, rec *distribution.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.ID.String()
	if _, ok := m.distributions[key]; !ok {
		return syndicate.ErrDistributionNotFound
	}
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	m.distributions[key] = &cp
	return nil
}

// SwapStatus atomically transitions a record when its current status is
// one of from.
func (m *Store) SwapStatus(_ context.Context, recID id.DistributionID, from []distribution.Status, to distribution.Status) (*distribution.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.distributions[recID.String()]
	if !ok {
		return nil, syndicate.ErrDistributionNotFound
	}
	for _, f := range from {
		if rec.Status == f {
			rec.Status = to
			rec.UpdatedAt = time.Now().UTC()
			cp := *rec
			return &cp, nil
		}
	}
	return nil, &syndicate.InvalidStateError{Op: "swap distribution status", Status: string(rec.Status)}
}

// FindOpenDistribution returns the open record for a (post, channel) pair.
func (m *Store) FindOpenDistribution(_ context.Context, postID id.PostID, channelID id.ChannelID) (*distribution.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.distributions {
		if rec.PostID.String() == postID.String() &&
			rec.ChannelID.String() == channelID.String() &&
			rec.Status.Open() {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, syndicate.ErrDistributionNotFound
}

// ListDistributions returns records matching opts, newest first.
func (m *Store) ListDistributions(_ context.Context, opts distribution.ListOpts) ([]*distribution.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*distribution.Record, 0, len(m.distributions))
	for _, rec := range m.distributions {
		if !opts.PostID.IsNil() && rec.PostID.String() != opts.PostID.String() {
			continue
		}
		if !opts.ChannelID.IsNil() && rec.ChannelID.String() != opts.ChannelID.String() {
			continue
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*distribution.Record, len(matched))
	for i, rec := range matched {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

// ListPostDistributions returns every record for a post.
func (m *Store) ListPostDistributions(ctx context.Context, postID id.PostID) ([]*distribution.Record, error) {
	return m.ListDistributions(ctx, distribution.ListOpts{PostID: postID})
}

// DueDistributions returns scheduled records due at or before now,
// oldest first.
func (m *Store) DueDistributions(_ context.Context, now time.Time, limit int) ([]*distribution.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*distribution.Record
	for _, rec := range m.distributions {
		if rec.Status != distribution.StatusScheduled {
			continue
		}
		if rec.ScheduledAt == nil || rec.ScheduledAt.After(now) {
			continue
		}
		due = append(due, rec)
	}

	sort.Slice(due, func(i, k int) bool {
		return due[i].ScheduledAt.Before(*due[k].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*distribution.Record, len(due))
	for i, rec := range due {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

// CreateChannel persists a new channel.
func (m *Store) CreateChannel(_ context.Context, ch *distribution.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ch.ID.String()
	if _, exists := m.channels[key]; exists {
		return syndicate.ErrAlreadyExists
	}
	cp := *ch
	m.channels[key] = &cp
	return nil
}

// GetChannel retrieves a channel by ID.
func (m *Store) GetChannel(_ context.Context, chID id.ChannelID) (*distribution.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[chID.String()]
	if !ok {
		return nil, syndicate.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

// UpdateChannel persists changes to an existing channel.
func (m *Store) UpdateChannel(_ context.Context, ch *distribution.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ch.ID.String()
	if _, ok := m.channels[key]; !ok {
		return syndicate.ErrChannelNotFound
	}
	ch.UpdatedAt = time.Now().UTC()
	cp := *ch
	m.channels[key] = &cp
	return nil
}

// ListChannels returns all channels sorted by name.
func (m *Store) ListChannels(_ context.Context) ([]*distribution.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*distribution.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		cp := *ch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

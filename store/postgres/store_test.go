//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/distribution"
	"github.com/pressline/syndicate/id"
	"github.com/pressline/syndicate/job"
	"github.com/pressline/syndicate/store/postgres"
)

// setupTestStore creates a Postgres container and returns a connected,
// migrated Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("syndicate_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr,
		postgres.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

func newJob(jobType string) *job.Job {
	return &job.Job{
		Entity:      syndicate.NewEntity(),
		ID:          id.NewJobID(),
		Type:        jobType,
		Payload:     []byte(`{"post_id":"p1"}`),
		Status:      job.StatusPending,
		Priority:    5,
		MaxAttempts: 3,
	}
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	// Second migrate should be a no-op.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Job store tests
// ──────────────────────────────────────────────────

func TestJobStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newJob("publish_post")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, syndicate.ErrAlreadyExists) {
		t.Fatalf("duplicate create: expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Type != j.Type || got.Status != job.StatusPending || got.Priority != 5 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, syndicate.ErrJobNotFound) {
		t.Fatalf("unknown id: expected ErrJobNotFound, got %v", err)
	}
}

func TestJobStore_ClaimJobExactlyOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newJob("publish_post")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimJob(ctx, j.ID, id.NewWorkerID()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d claimers won, want exactly 1", wins)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusRunning {
		t.Fatalf("status = %s, want %s", got.Status, job.StatusRunning)
	}
	if got.StartedAt == nil || got.WorkerID.IsNil() {
		t.Fatal("claim must stamp StartedAt and WorkerID")
	}
}

func TestJobStore_SwapJobStatusConditional(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newJob("publish_post")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	swapped, err := s.SwapJobStatus(ctx, j.ID, []job.Status{job.StatusPending}, job.StatusCancelled)
	if err != nil {
		t.Fatalf("SwapJobStatus: %v", err)
	}
	if swapped.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want %s", swapped.Status, job.StatusCancelled)
	}

	// The job left pending, so the same transition now loses.
	if _, err := s.SwapJobStatus(ctx, j.ID, []job.Status{job.StatusPending}, job.StatusCancelled); !errors.Is(err, syndicate.ErrInvalidState) {
		t.Fatalf("stale swap: expected ErrInvalidState, got %v", err)
	}

	if _, err := s.SwapJobStatus(ctx, id.NewJobID(), []job.Status{job.StatusPending}, job.StatusCancelled); !errors.Is(err, syndicate.ErrJobNotFound) {
		t.Fatalf("unknown id: expected ErrJobNotFound, got %v", err)
	}
}

func TestJobStore_FindOpenJobByFingerprint(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	open := newJob("publish_post")
	open.Fingerprint = "fp-open"
	if err := s.CreateJob(ctx, open); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.FindOpenJobByFingerprint(ctx, "fp-open")
	if err != nil {
		t.Fatalf("FindOpenJobByFingerprint: %v", err)
	}
	if got.ID.String() != open.ID.String() {
		t.Fatalf("found %s, want %s", got.ID, open.ID)
	}

	// A terminal job does not match.
	if _, err := s.SwapJobStatus(ctx, open.ID, []job.Status{job.StatusPending}, job.StatusCancelled); err != nil {
		t.Fatalf("SwapJobStatus: %v", err)
	}
	if _, err := s.FindOpenJobByFingerprint(ctx, "fp-open"); !errors.Is(err, syndicate.ErrJobNotFound) {
		t.Fatalf("terminal fingerprint: expected ErrJobNotFound, got %v", err)
	}
}

func TestJobStore_HeartbeatAndReap(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newJob("publish_post")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	owner := id.NewWorkerID()
	claimed, err := s.ClaimJob(ctx, j.ID, owner)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	if err := s.HeartbeatJob(ctx, claimed.ID, owner); err != nil {
		t.Fatalf("HeartbeatJob: %v", err)
	}
	if err := s.HeartbeatJob(ctx, claimed.ID, id.NewWorkerID()); !errors.Is(err, syndicate.ErrInvalidState) {
		t.Fatalf("foreign heartbeat: expected ErrInvalidState, got %v", err)
	}

	// Mark progress, then reap with a zero threshold: the stale job goes
	// back to pending with its step preserved.
	claimed.Step = "validate"
	if err := s.UpdateJob(ctx, claimed); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	reaped, err := s.ReapStaleJobs(ctx, 0)
	if err != nil {
		t.Fatalf("ReapStaleJobs: %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("reaped %d jobs, want 1", len(reaped))
	}
	if reaped[0].Status != job.StatusPending || reaped[0].Step != "validate" {
		t.Fatalf("reaped job = %s step %q, want pending with step preserved", reaped[0].Status, reaped[0].Step)
	}
	if !reaped[0].WorkerID.IsNil() {
		t.Fatal("reaped job must drop its worker claim")
	}
}

// ──────────────────────────────────────────────────
// Distribution store tests
// ──────────────────────────────────────────────────

func newChannel(t *testing.T, s *postgres.Store) *distribution.Channel {
	t.Helper()

	ch := &distribution.Channel{
		Entity: syndicate.NewEntity(),
		ID:     id.NewChannelID(),
		Name:   "blog feed",
		Type:   "webhook",
		Active: true,
	}
	if err := s.CreateChannel(context.Background(), ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return ch
}

func TestDistributionStore_SwapStatusConditional(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := newChannel(t, s)

	rec := &distribution.Record{
		Entity:    syndicate.NewEntity(),
		ID:        id.NewDistributionID(),
		PostID:    id.NewPostID(),
		ChannelID: ch.ID,
		Status:    distribution.StatusPending,
	}
	if err := s.CreateDistribution(ctx, rec); err != nil {
		t.Fatalf("CreateDistribution: %v", err)
	}

	claimed, err := s.SwapStatus(ctx, rec.ID,
		[]distribution.Status{distribution.StatusPending}, distribution.StatusInProgress)
	if err != nil {
		t.Fatalf("SwapStatus: %v", err)
	}
	if claimed.Status != distribution.StatusInProgress {
		t.Fatalf("status = %s, want %s", claimed.Status, distribution.StatusInProgress)
	}

	if _, err := s.SwapStatus(ctx, rec.ID,
		[]distribution.Status{distribution.StatusPending}, distribution.StatusInProgress); !errors.Is(err, syndicate.ErrInvalidState) {
		t.Fatalf("stale swap: expected ErrInvalidState, got %v", err)
	}
}

func TestDistributionStore_OpenPairAndDue(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ch := newChannel(t, s)
	postID := id.NewPostID()

	past := time.Now().UTC().Add(-time.Minute)
	rec := &distribution.Record{
		Entity:      syndicate.NewEntity(),
		ID:          id.NewDistributionID(),
		PostID:      postID,
		ChannelID:   ch.ID,
		Status:      distribution.StatusScheduled,
		ScheduledAt: &past,
	}
	if err := s.CreateDistribution(ctx, rec); err != nil {
		t.Fatalf("CreateDistribution: %v", err)
	}

	got, err := s.FindOpenDistribution(ctx, postID, ch.ID)
	if err != nil {
		t.Fatalf("FindOpenDistribution: %v", err)
	}
	if got.ID.String() != rec.ID.String() {
		t.Fatalf("found %s, want %s", got.ID, rec.ID)
	}

	due, err := s.DueDistributions(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("DueDistributions: %v", err)
	}
	if len(due) != 1 || due[0].ID.String() != rec.ID.String() {
		t.Fatalf("due = %d records, want the scheduled one", len(due))
	}

	// A terminal record frees the pair.
	if _, err := s.SwapStatus(ctx, rec.ID,
		[]distribution.Status{distribution.StatusScheduled}, distribution.StatusCancelled); err != nil {
		t.Fatalf("SwapStatus: %v", err)
	}
	if _, err := s.FindOpenDistribution(ctx, postID, ch.ID); !errors.Is(err, syndicate.ErrDistributionNotFound) {
		t.Fatalf("terminal pair: expected ErrDistributionNotFound, got %v", err)
	}
}

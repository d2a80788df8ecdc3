package distribution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/backoff"
	"github.com/pressline/syndicate/guard"
	"github.com/pressline/syndicate/id"
)

// ──────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	channels map[string]*Channel
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]*Record),
		channels: make(map[string]*Channel),
	}
}

func (s *fakeStore) CreateDistribution(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID.String()] = &cp
	return nil
}

func (s *fakeStore) GetDistribution(_ context.Context, recID id.DistributionID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recID.String()]
	if !ok {
		return nil, syndicate.ErrDistributionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) UpdateDistribution(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID.String()]; !ok {
		return syndicate.ErrDistributionNotFound
	}
	cp := *rec
	s.records[rec.ID.String()] = &cp
	return nil
}

func (s *fakeStore) SwapStatus(_ context.Context, recID id.DistributionID, from []Status, to Status) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recID.String()]
	if !ok {
		return nil, syndicate.ErrDistributionNotFound
	}
	for _, f := range from {
		if rec.Status == f {
			rec.Status = to
			rec.Touch()
			cp := *rec
			return &cp, nil
		}
	}
	return nil, &syndicate.InvalidStateError{Op: "swap distribution status", Status: string(rec.Status)}
}

func (s *fakeStore) FindOpenDistribution(_ context.Context, postID id.PostID, channelID id.ChannelID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.PostID.String() == postID.String() && rec.ChannelID.String() == channelID.String() && rec.Status.Open() {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, syndicate.ErrDistributionNotFound
}

func (s *fakeStore) ListDistributions(_ context.Context, opts ListOpts) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) ListPostDistributions(_ context.Context, postID id.PostID) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.PostID.String() == postID.String() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) DueDistributions(_ context.Context, now time.Time, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.Status == StatusScheduled && rec.ScheduledAt != nil && !rec.ScheduledAt.After(now) {
			cp := *rec
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) CreateChannel(_ context.Context, ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.channels[ch.ID.String()] = &cp
	return nil
}

func (s *fakeStore) GetChannel(_ context.Context, chID id.ChannelID) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[chID.String()]
	if !ok {
		return nil, syndicate.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *fakeStore) UpdateChannel(_ context.Context, ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.channels[ch.ID.String()] = &cp
	return nil
}

func (s *fakeStore) ListChannels(_ context.Context) ([]*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Channel
	for _, ch := range s.channels {
		cp := *ch
		out = append(out, &cp)
	}
	return out, nil
}

type fakeAdapter struct {
	typ   string
	calls int
	fn    func(ctx context.Context, ch *Channel, post *Post) (string, error)
}

func (a *fakeAdapter) Type() string { return a.typ }

func (a *fakeAdapter) Deliver(ctx context.Context, ch *Channel, post *Post) (string, error) {
	a.calls++
	return a.fn(ctx, ch, post)
}

type fakeSource struct{}

func (fakeSource) GetPost(_ context.Context, postID id.PostID) (*Post, error) {
	return &Post{ID: postID, Title: "hello", Body: "world"}, nil
}

// ──────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────

type fixture struct {
	store   *fakeStore
	adapter *fakeAdapter
	disp    *Dispatcher
	channel *Channel
}

func newFixture(t *testing.T, opts ...DispatcherOption) *fixture {
	t.Helper()

	store := newFakeStore()
	adapter := &fakeAdapter{
		typ: "webhook",
		fn: func(context.Context, *Channel, *Post) (string, error) {
			return "ext_123", nil
		},
	}
	reg := NewAdapterRegistry()
	reg.Register(adapter)

	gm := guard.NewManager(guard.ChannelConfig{
		Rate:  1000,
		Burst: 1000,
		Breaker: guard.BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         backoff.NewConstant(time.Hour),
		},
	})

	opts = append([]DispatcherOption{WithContentSource(fakeSource{})}, opts...)
	disp, err := NewDispatcher(store, reg, gm, opts...)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	ch := &Channel{
		Entity: syndicate.NewEntity(),
		ID:     id.NewChannelID(),
		Name:   "main blog webhook",
		Type:   "webhook",
		Active: true,
	}
	if err := store.CreateChannel(context.Background(), ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	return &fixture{store: store, adapter: adapter, disp: disp, channel: ch}
}

func (f *fixture) pendingRecord(t *testing.T) *Record {
	t.Helper()
	rec := &Record{
		Entity:    syndicate.NewEntity(),
		ID:        id.NewDistributionID(),
		PostID:    id.NewPostID(),
		ChannelID: f.channel.ID,
		Status:    StatusPending,
	}
	if err := f.store.CreateDistribution(context.Background(), rec); err != nil {
		t.Fatalf("CreateDistribution: %v", err)
	}
	return rec
}

// ──────────────────────────────────────────────────
// Dispatch
// ──────────────────────────────────────────────────

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.pendingRecord(t)

	got, err := f.disp.Dispatch(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s", got.Status, StatusSucceeded)
	}
	if got.ExternalRef != "ext_123" {
		t.Fatalf("external ref = %q, want ext_123", got.ExternalRef)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
}

func TestDispatchNonPendingRecordRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.pendingRecord(t)
	if _, err := f.disp.Dispatch(context.Background(), rec.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	_, err := f.disp.Dispatch(context.Background(), rec.ID)
	if !errors.Is(err, syndicate.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for succeeded record, got %v", err)
	}
}

func TestDispatchPlatformRejectedNotRetryable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.fn = func(context.Context, *Channel, *Post) (string, error) {
		return "", NewDeliveryError(KindPlatformRejected, errors.New("content policy violation"))
	}
	rec := f.pendingRecord(t)

	got, err := f.disp.Dispatch(context.Background(), rec.ID)
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if derr.Kind != KindPlatformRejected {
		t.Fatalf("kind = %s, want %s", derr.Kind, KindPlatformRejected)
	}
	if derr.Retryable() {
		t.Fatal("platform rejection must not be retryable")
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, StatusFailed)
	}
	if !strings.Contains(got.LastError, string(KindPlatformRejected)) {
		t.Fatalf("last error %q should record the failure kind", got.LastError)
	}
}

func TestDispatchTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithDispatchTimeout(20*time.Millisecond))
	f.adapter.fn = func(ctx context.Context, _ *Channel, _ *Post) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	rec := f.pendingRecord(t)

	_, err := f.disp.Dispatch(context.Background(), rec.ID)
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if derr.Kind != KindTransientNetwork {
		t.Fatalf("kind = %s, want %s", derr.Kind, KindTransientNetwork)
	}
	if !derr.Retryable() {
		t.Fatal("timeout must be retryable")
	}
}

func TestDispatchInactiveChannelFailsPermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.channel.Active = false
	if err := f.store.UpdateChannel(context.Background(), f.channel); err != nil {
		t.Fatalf("UpdateChannel: %v", err)
	}
	rec := f.pendingRecord(t)

	_, err := f.disp.Dispatch(context.Background(), rec.ID)
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if derr.Kind != KindPermanent {
		t.Fatalf("kind = %s, want %s", derr.Kind, KindPermanent)
	}
	if f.adapter.calls != 0 {
		t.Fatalf("adapter called %d times for inactive channel", f.adapter.calls)
	}
}

func TestDispatchOpenBreakerSkipsExternalCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.fn = func(context.Context, *Channel, *Post) (string, error) {
		return "", NewDeliveryError(KindTransientNetwork, errors.New("connection reset"))
	}

	for i := 0; i < 3; i++ {
		rec := f.pendingRecord(t)
		if _, err := f.disp.Dispatch(context.Background(), rec.ID); err == nil {
			t.Fatalf("dispatch %d should fail", i)
		}
	}
	callsBefore := f.adapter.calls

	rec := f.pendingRecord(t)
	_, err := f.disp.Dispatch(context.Background(), rec.ID)
	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Kind != KindCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	if f.adapter.calls != callsBefore {
		t.Fatal("open breaker must not invoke the adapter")
	}
}

// ──────────────────────────────────────────────────
// Kill switch
// ──────────────────────────────────────────────────

func TestKillSwitchRefusesMutations(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.pendingRecord(t)
	f.disp.SetEnabled(false)

	if _, err := f.disp.Dispatch(context.Background(), rec.ID); !errors.Is(err, syndicate.ErrModuleDisabled) {
		t.Fatalf("Dispatch: expected ErrModuleDisabled, got %v", err)
	}
	if _, err := f.disp.BulkDistribute(context.Background(), []id.PostID{id.NewPostID()}, []id.ChannelID{f.channel.ID}, nil); !errors.Is(err, syndicate.ErrModuleDisabled) {
		t.Fatalf("BulkDistribute: expected ErrModuleDisabled, got %v", err)
	}
	if _, err := f.disp.Retry(context.Background(), rec.ID); !errors.Is(err, syndicate.ErrModuleDisabled) {
		t.Fatalf("Retry: expected ErrModuleDisabled, got %v", err)
	}

	// Cancellation stays available while the module is disabled.
	if _, err := f.disp.Cancel(context.Background(), rec.ID); err != nil {
		t.Fatalf("Cancel while disabled: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Bulk distribute
// ──────────────────────────────────────────────────

func TestBulkDistributeIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	posts := []id.PostID{id.NewPostID(), id.NewPostID()}
	channels := []id.ChannelID{f.channel.ID}

	first, err := f.disp.BulkDistribute(context.Background(), posts, channels, nil)
	if err != nil {
		t.Fatalf("first bulk: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("created %d records, want 2", len(first))
	}

	second, err := f.disp.BulkDistribute(context.Background(), posts, channels, nil)
	if err != nil {
		t.Fatalf("second bulk: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second bulk created %d records, want 0", len(second))
	}
}

func TestBulkDistributeScheduled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	at := time.Now().Add(time.Hour)

	created, err := f.disp.BulkDistribute(context.Background(), []id.PostID{id.NewPostID()}, []id.ChannelID{f.channel.ID}, &at)
	if err != nil {
		t.Fatalf("BulkDistribute: %v", err)
	}
	if len(created) != 1 || created[0].Status != StatusScheduled {
		t.Fatalf("expected one scheduled record, got %+v", created)
	}
}

func TestBulkDistributeEmptyInputRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.disp.BulkDistribute(context.Background(), nil, []id.ChannelID{f.channel.ID}, nil); !errors.Is(err, syndicate.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Retry / cancel
// ──────────────────────────────────────────────────

func TestRetryFailedRecordSucceeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fail := true
	f.adapter.fn = func(context.Context, *Channel, *Post) (string, error) {
		if fail {
			return "", NewDeliveryError(KindTransientNetwork, errors.New("flaky"))
		}
		return "ext_retry", nil
	}
	rec := f.pendingRecord(t)
	if _, err := f.disp.Dispatch(context.Background(), rec.ID); err == nil {
		t.Fatal("first dispatch should fail")
	}

	fail = false
	got, err := f.disp.Retry(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("status = %s, want %s", got.Status, StatusSucceeded)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
}

func TestRetryOnlyValidForFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.pendingRecord(t)

	if _, err := f.disp.Retry(context.Background(), rec.ID); !errors.Is(err, syndicate.ErrInvalidState) {
		t.Fatalf("retry pending: expected ErrInvalidState, got %v", err)
	}
}

func TestRetryExhaustedBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithMaxDeliveryAttempts(2))
	rec := f.pendingRecord(t)
	rec.Status = StatusFailed
	rec.Attempts = 2
	if err := f.store.UpdateDistribution(context.Background(), rec); err != nil {
		t.Fatalf("UpdateDistribution: %v", err)
	}

	if _, err := f.disp.Retry(context.Background(), rec.ID); !errors.Is(err, syndicate.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
}

func TestRetryFailsFastWhenBreakerOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.disp.Guard().RecordFailure(f.channel.ID.String())
	}

	rec := f.pendingRecord(t)
	rec.Status = StatusFailed
	rec.Attempts = 1
	if err := f.store.UpdateDistribution(context.Background(), rec); err != nil {
		t.Fatalf("UpdateDistribution: %v", err)
	}

	_, err := f.disp.Retry(context.Background(), rec.ID)
	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Kind != KindCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN fail-fast, got %v", err)
	}
	if f.adapter.calls != 0 {
		t.Fatal("retry with open breaker must not call the adapter")
	}
}

func TestCancelPendingAndScheduledOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	pending := f.pendingRecord(t)
	got, err := f.disp.Cancel(context.Background(), pending.ID)
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, StatusCancelled)
	}

	inProgress := f.pendingRecord(t)
	if _, err := f.store.SwapStatus(context.Background(), inProgress.ID, []Status{StatusPending}, StatusInProgress); err != nil {
		t.Fatalf("SwapStatus: %v", err)
	}
	if _, err := f.disp.Cancel(context.Background(), inProgress.ID); !errors.Is(err, syndicate.ErrInvalidState) {
		t.Fatalf("cancel in-progress: expected ErrInvalidState, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Scheduled promotion
// ──────────────────────────────────────────────────

func TestDispatchDuePromotesAndDelivers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	if _, err := f.disp.BulkDistribute(context.Background(), []id.PostID{id.NewPostID()}, []id.ChannelID{f.channel.ID}, &past); err != nil {
		t.Fatalf("bulk past: %v", err)
	}
	if _, err := f.disp.BulkDistribute(context.Background(), []id.PostID{id.NewPostID()}, []id.ChannelID{f.channel.ID}, &future); err != nil {
		t.Fatalf("bulk future: %v", err)
	}

	n, err := f.disp.DispatchDue(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}

	scheduled, err := f.disp.List(context.Background(), ListOpts{Status: StatusScheduled})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("%d records still scheduled, want 1", len(scheduled))
	}
}

// Package dedup implements the deduplication guard. Each submitted job
// is fingerprinted from its type plus a canonicalized payload; an enqueue
// whose fingerprint matches an open job, or a reservation still inside
// the configured window, is rejected as a duplicate conflict.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/job"
)

// Reserver holds short-lived fingerprint reservations. A reservation
// closes the race between accepting a job and persisting it, and keeps
// rejecting resubmissions for the configured window.
type Reserver interface {
	// Reserve attempts to hold fingerprint for ttl. It returns false if
	// an unexpired reservation already exists.
	Reserve(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)

	// Release drops a reservation before its ttl expires. Used when the
	// reserved enqueue fails to persist.
	Release(ctx context.Context, fingerprint string) error
}

// Guard performs the atomic check-and-reserve for job submissions.
// Concurrent enqueues of the same fingerprint are single-flighted so the
// existence check and reservation are not interleaved.
type Guard struct {
	store    job.Store
	reserver Reserver
	window   time.Duration
	group    singleflight.Group
}

// NewGuard creates a deduplication guard. If reserver is nil an
// in-memory reserver is used.
func NewGuard(store job.Store, reserver Reserver, window time.Duration) *Guard {
	if reserver == nil {
		reserver = NewMemoryReserver()
	}
	return &Guard{
		store:    store,
		reserver: reserver,
		window:   window,
	}
}

// Fingerprint computes the stable hash for a job submission: SHA-256
// over the job type and the canonicalized payload. Two payloads that
// differ only in JSON key order produce the same fingerprint.
func Fingerprint(jobType string, payload []byte) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("dedup: canonicalize payload: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalize re-encodes a JSON document with object keys sorted.
// encoding/json marshals map keys in sorted order, so a decode/encode
// round trip through interface values is canonical.
func canonicalize(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("null"), nil
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// CheckAndReserve computes the fingerprint for (jobType, payload) and
// reserves it. It fails with a DuplicateJobError carrying the existing
// job's id if an open job with the same fingerprint exists, and with
// ErrDuplicateJob if the fingerprint is still reserved from an earlier
// submission inside the window.
func (g *Guard) CheckAndReserve(ctx context.Context, jobType string, payload []byte) (string, error) {
	fp, err := Fingerprint(jobType, payload)
	if err != nil {
		return "", err
	}

	_, err, _ = g.group.Do(fp, func() (any, error) {
		return nil, g.checkAndReserve(ctx, fp)
	})
	if err != nil {
		return "", err
	}
	return fp, nil
}

func (g *Guard) checkAndReserve(ctx context.Context, fp string) error {
	existing, err := g.store.FindOpenJobByFingerprint(ctx, fp)
	switch {
	case err == nil:
		return &syndicate.DuplicateJobError{ExistingID: existing.ID, Fingerprint: fp}
	case !errors.Is(err, syndicate.ErrJobNotFound):
		return fmt.Errorf("dedup: fingerprint lookup: %w", err)
	}

	ok, err := g.reserver.Reserve(ctx, fp, g.window)
	if err != nil {
		return fmt.Errorf("dedup: reserve fingerprint: %w", err)
	}
	if !ok {
		return syndicate.ErrDuplicateJob
	}
	return nil
}

// Release drops the reservation for a fingerprint. Call it when the
// enqueue that reserved the fingerprint fails to persist, so the caller
// can resubmit immediately.
func (g *Guard) Release(ctx context.Context, fingerprint string) error {
	return g.reserver.Release(ctx, fingerprint)
}

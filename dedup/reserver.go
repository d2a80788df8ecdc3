package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryReserver is an in-process Reserver. Suitable for the
// single-process deployment model; use RedisReserver when several
// processes must share the duplicate window.
type MemoryReserver struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryReserver returns an empty in-memory reserver.
func NewMemoryReserver() *MemoryReserver {
	return &MemoryReserver{expires: make(map[string]time.Time)}
}

// Reserve implements Reserver.
func (r *MemoryReserver) Reserve(_ context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if exp, ok := r.expires[fingerprint]; ok && exp.After(now) {
		return false, nil
	}

	r.expires[fingerprint] = now.Add(ttl)
	r.sweep(now)
	return true, nil
}

// Release implements Reserver.
func (r *MemoryReserver) Release(_ context.Context, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.expires, fingerprint)
	return nil
}

// sweep drops expired entries. Called under the lock; kept cheap by only
// running when the map has grown past a handful of entries.
func (r *MemoryReserver) sweep(now time.Time) {
	if len(r.expires) < 1024 {
		return
	}
	for fp, exp := range r.expires {
		if !exp.After(now) {
			delete(r.expires, fp)
		}
	}
}

// Package store defines the aggregate persistence interface. Each
// subsystem (job, distribution) defines its own store interface; the
// composite Store composes them all. Backends: Postgres and Memory.
package store

import (
	"context"

	"github.com/pressline/syndicate/distribution"
	"github.com/pressline/syndicate/job"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store, and is the serialization point for
// all status transitions (claim and swap operations are atomic against
// one backend).
type Store interface {
	job.Store
	distribution.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// Package syndicate provides the background job and content distribution
// engine for a publishing platform. It accepts asynchronous units of work,
// sequences them through named workflow steps with resumable state, and
// pushes published content to external channels with retry, rate-limiting,
// and circuit-breaking semantics.
//
// Syndicate is designed as a library, not a service. Import it, configure
// a store, register workflow step chains and channel adapters, and start
// the engine.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(memory.New()),
//	    engine.WithConcurrency(4),
//	)
//
// # Architecture
//
// Each subsystem (job, workflow, distribution) defines its own store
// interface; a single backend implements all of them. Per-channel
// circuit-breaker and rate-limiter state lives in-process behind the
// guard package; the record store is the single source of truth for job
// and distribution status and the serialization point for claims.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package syndicate

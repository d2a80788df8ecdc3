// Package engine wires all Syndicate subsystems together: the store,
// deduplication guard, priority queue, workflow runner, worker pool,
// distribution dispatcher with its per-channel guards, the scheduler
// that promotes due distributions, and the extension registry.
//
// This package exists to break import cycles: the root syndicate
// package defines shared types (Entity, errors, Config) imported by
// every subsystem, so those subsystems cannot import each other's
// lifecycle hooks directly. The engine sits above all of them and below
// the application layer.
package engine

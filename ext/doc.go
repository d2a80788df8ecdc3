// Package ext defines the extension system for syndicate.
// Extensions are notified of lifecycle events (job enqueued, step
// completed, distribution dispatched, etc.) and can react to them —
// metrics, audit trails, notifications.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

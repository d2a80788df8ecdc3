// Package distribution tracks the delivery of published posts to
// external channels. Each (post, channel) pair gets its own Record that
// advances independently: it can be scheduled, dispatched, retried, and
// cancelled without touching its siblings. The Dispatcher pushes
// records through per-platform adapters behind the guard package's
// breaker and limiter.
package distribution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pressline/syndicate"
	"github.com/pressline/syndicate/id"
)

// Status represents the lifecycle state of a distribution record.
type Status string

const (
	// StatusScheduled means the record waits for its scheduledAt time.
	StatusScheduled Status = "scheduled"
	// StatusPending means the record is due and awaiting dispatch.
	StatusPending Status = "pending"
	// StatusInProgress means a dispatch call to the platform is in flight.
	StatusInProgress Status = "in_progress"
	// StatusSucceeded means the platform accepted the post.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the last dispatch attempt failed.
	StatusFailed Status = "failed"
	// StatusCancelled means the record was cancelled before delivery.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s permits no further dispatching other than
// an explicit retry of a failed record.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Open reports whether s blocks creation of another record for the same
// (post, channel) pair.
func (s Status) Open() bool {
	return s == StatusScheduled || s == StatusPending || s == StatusInProgress
}

// Record tracks one delivery of one post to one channel.
type Record struct {
	syndicate.Entity

	ID          id.DistributionID `json:"id"`
	PostID      id.PostID         `json:"post_id"`
	ChannelID   id.ChannelID      `json:"channel_id"`
	Status      Status            `json:"status"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`

	// ExternalRef is the id the platform returned on success.
	ExternalRef string `json:"external_ref,omitempty"`
}

// Channel configures one external distribution target. Type selects
// the adapter; Config carries adapter-specific connection settings.
type Channel struct {
	syndicate.Entity

	ID     id.ChannelID    `json:"id"`
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
	Active bool            `json:"active"`
}

// Post is the content item handed to adapters. The engine does not own
// post authoring; it reads posts through a ContentSource.
type Post struct {
	ID    id.PostID       `json:"id"`
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Meta  json.RawMessage `json:"meta,omitempty"`
}

// ContentSource resolves posts for dispatch. Implemented by the caller;
// the engine treats post storage as an external collaborator.
type ContentSource interface {
	GetPost(ctx context.Context, postID id.PostID) (*Post, error)
}

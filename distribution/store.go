package distribution

import (
	"context"
	"time"

	"github.com/pressline/syndicate/id"
)

// ListOpts filters and pages distribution queries.
type ListOpts struct {
	Limit     int
	Offset    int
	PostID    id.PostID
	ChannelID id.ChannelID
	Status    Status
}

// Store is the persistence contract for distribution records and
// channels. The store is the single serialization point for status
// transitions: SwapStatus performs a conditional update that fails with
// ErrInvalidState when the record already left the expected status.
type Store interface {
	CreateDistribution(ctx context.Context, rec *Record) error
	GetDistribution(ctx context.Context, recID id.DistributionID) (*Record, error)
	UpdateDistribution(ctx context.Context, rec *Record) error

	// SwapStatus atomically moves a record from one of the expected
	// statuses to the target status and returns the updated record.
	SwapStatus(ctx context.Context, recID id.DistributionID, from []Status, to Status) (*Record, error)

	// FindOpenDistribution returns the open (scheduled, pending, or
	// in-progress) record for a (post, channel) pair, or
	// ErrDistributionNotFound when none exists.
	FindOpenDistribution(ctx context.Context, postID id.PostID, channelID id.ChannelID) (*Record, error)

	ListDistributions(ctx context.Context, opts ListOpts) ([]*Record, error)
	ListPostDistributions(ctx context.Context, postID id.PostID) ([]*Record, error)

	// DueDistributions returns scheduled records whose scheduledAt is at
	// or before now, oldest first.
	DueDistributions(ctx context.Context, now time.Time, limit int) ([]*Record, error)

	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, chID id.ChannelID) (*Channel, error)
	UpdateChannel(ctx context.Context, ch *Channel) error
	ListChannels(ctx context.Context) ([]*Channel, error)
}

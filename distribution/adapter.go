package distribution

import (
	"context"
	"sort"
	"sync"

	"github.com/pressline/syndicate"
)

// Adapter delivers a post to one kind of external platform. Adapters
// classify their own failures by returning *DeliveryError; any other
// error is treated as TRANSIENT_NETWORK by the Dispatcher.
type Adapter interface {
	// Type matches Channel.Type.
	Type() string

	// Deliver pushes the post to the channel and returns the platform's
	// external reference for the created item.
	Deliver(ctx context.Context, ch *Channel, post *Post) (externalRef string, err error)
}

// AdapterRegistry maps channel types to adapters.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewAdapterRegistry returns an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any previous adapter for the
// same channel type.
func (r *AdapterRegistry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Adapter returns the adapter for a channel type.
func (r *AdapterRegistry) Adapter(channelType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channelType]
	if !ok {
		return nil, syndicate.ErrAdapterNotFound
	}
	return a, nil
}

// Types returns the registered channel types, sorted.
func (r *AdapterRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

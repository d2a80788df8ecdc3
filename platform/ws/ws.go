// Package ws delivers posts to channels of type "websocket" by
// broadcasting them as JSON to every connected subscriber. Useful for
// live dashboards and in-house feed consumers that hold a socket open.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pressline/syndicate/distribution"
)

// AdapterType is the channel type this adapter serves.
const AdapterType = "websocket"

// message is the frame written to subscribers.
type message struct {
	Event     string             `json:"event"`
	ChannelID string             `json:"channel_id"`
	Post      *distribution.Post `json:"post"`
}

// Adapter broadcasts posts to connected websocket clients. Subscribers
// are registered by the caller's HTTP layer via AddClient; the adapter
// owns disconnect cleanup.
type Adapter struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

var _ distribution.Adapter = (*Adapter)(nil)

// New returns an adapter with no subscribers.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (a *Adapter) Type() string { return AdapterType }

// AddClient registers a subscriber and starts its read loop, which
// exists only to detect disconnects.
func (a *Adapter) AddClient(conn *websocket.Conn) {
	a.mu.Lock()
	a.clients[conn] = struct{}{}
	n := len(a.clients)
	a.mu.Unlock()

	a.logger.Debug("websocket client connected", slog.Int("clients", n))

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.clients, conn)
			a.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of connected subscribers.
func (a *Adapter) ClientCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

// Deliver broadcasts the post. Delivery succeeds when at least one
// subscriber accepted the frame; with no subscribers the attempt is a
// transient failure so retries can pick up a late-connecting consumer.
func (a *Adapter) Deliver(_ context.Context, ch *distribution.Channel, post *distribution.Post) (string, error) {
	msg := message{Event: "post.published", ChannelID: ch.ID.String(), Post: post}

	a.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(a.clients))
	for conn := range a.clients {
		conns = append(conns, conn)
	}
	a.mu.Unlock()

	if len(conns) == 0 {
		return "", distribution.NewDeliveryError(distribution.KindTransientNetwork, fmt.Errorf("no subscribers on channel %s", ch.ID))
	}

	delivered := 0
	for _, conn := range conns {
		if err := conn.WriteJSON(msg); err != nil {
			a.logger.Warn("websocket write failed", slog.String("error", err.Error()))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return "", distribution.NewDeliveryError(distribution.KindTransientNetwork, fmt.Errorf("all %d subscriber writes failed", len(conns)))
	}
	return post.ID.String(), nil
}

// Package amqp delivers posts to channels of type "amqp" by publishing
// them as JSON messages to a RabbitMQ exchange. One broker connection
// is shared across channels; each channel picks its exchange and
// routing key through its config.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pressline/syndicate/distribution"
	"github.com/pressline/syndicate/id"
)

// AdapterType is the channel type this adapter serves.
const AdapterType = "amqp"

// Config is the channel-level configuration, stored in Channel.Config.
type Config struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`

	// Persistent marks messages durable on disk-backed queues.
	Persistent bool `json:"persistent,omitempty"`
}

// Adapter publishes posts to a RabbitMQ broker.
type Adapter struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ distribution.Adapter = (*Adapter)(nil)

// New returns an adapter that dials url lazily on first delivery, so
// constructing the engine does not require a reachable broker.
func New(url string) *Adapter {
	return &Adapter{url: url}
}

func (a *Adapter) Type() string { return AdapterType }

// channel returns the shared broker channel, dialing if needed. A dead
// connection is torn down and re-dialed on the next call.
func (a *Adapter) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil && !a.conn.IsClosed() && a.ch != nil {
		return a.ch, nil
	}

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open broker channel: %w", err)
	}
	a.conn = conn
	a.ch = ch
	return ch, nil
}

// Deliver publishes the post. The broker accepting the publish counts
// as delivery; the message id doubles as the external reference.
func (a *Adapter) Deliver(ctx context.Context, ch *distribution.Channel, post *distribution.Post) (string, error) {
	var cfg Config
	if err := json.Unmarshal(ch.Config, &cfg); err != nil {
		return "", distribution.NewDeliveryError(distribution.KindPermanent, fmt.Errorf("invalid amqp config: %w", err))
	}
	if cfg.Exchange == "" && cfg.RoutingKey == "" {
		return "", distribution.NewDeliveryError(distribution.KindPermanent, errors.New("amqp channel has neither exchange nor routing key"))
	}

	body, err := json.Marshal(post)
	if err != nil {
		return "", distribution.NewDeliveryError(distribution.KindPermanent, err)
	}

	bch, err := a.channel()
	if err != nil {
		return "", distribution.NewDeliveryError(distribution.KindTransientNetwork, err)
	}

	msgID := id.New("msg").String()
	deliveryMode := amqp.Transient
	if cfg.Persistent {
		deliveryMode = amqp.Persistent
	}
	err = bch.PublishWithContext(ctx,
		cfg.Exchange,
		cfg.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    msgID,
			DeliveryMode: deliveryMode,
			Body:         body,
		})
	if err != nil {
		// Publish failures are connection-level; drop the channel so the
		// next delivery re-dials.
		a.mu.Lock()
		if a.conn != nil {
			a.conn.Close()
		}
		a.conn, a.ch = nil, nil
		a.mu.Unlock()
		return "", distribution.NewDeliveryError(distribution.KindTransientNetwork, err)
	}
	return msgID, nil
}

// Close tears down the broker connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn, a.ch = nil, nil
	return err
}

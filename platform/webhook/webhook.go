// Package webhook delivers posts to channels of type "webhook" by
// POSTing the post as JSON to the channel's configured endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pressline/syndicate/distribution"
)

// AdapterType is the channel type this adapter serves.
const AdapterType = "webhook"

// Config is the channel-level configuration, stored in Channel.Config.
type Config struct {
	// URL receives the POST.
	URL string `json:"url"`

	// Secret, when set, is sent as a bearer token.
	Secret string `json:"secret,omitempty"`
}

// response is the minimal body a receiver returns on success.
type response struct {
	Ref string `json:"ref"`
}

// Adapter posts content to HTTP endpoints. The zero value is not
// usable; construct with New.
type Adapter struct {
	client *http.Client
}

var _ distribution.Adapter = (*Adapter)(nil)

// New returns a webhook adapter. A nil client uses http.DefaultClient;
// call timeouts come from the dispatcher's context deadline.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{client: client}
}

func (a *Adapter) Type() string { return AdapterType }

// Deliver POSTs the post to the channel endpoint. Status 2xx succeeds,
// 4xx is a platform rejection, anything else is transient.
func (a *Adapter) Deliver(ctx context.Context, ch *distribution.Channel, post *distribution.Post) (string, error) {
	var cfg Config
	if err := json.Unmarshal(ch.Config, &cfg); err != nil {
		return "", distribution.NewDeliveryError(distribution.KindPermanent, fmt.Errorf("invalid webhook config: %w", err))
	}
	if cfg.URL == "" {
		return "", distribution.NewDeliveryError(distribution.KindPermanent, fmt.Errorf("webhook channel %s has no url", ch.ID))
	}

	body, err := json.Marshal(post)
	if err != nil {
		return "", distribution.NewDeliveryError(distribution.KindPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", distribution.NewDeliveryError(distribution.KindPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", distribution.NewDeliveryError(distribution.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out response
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil || out.Ref == "" {
			// Receivers without a body still succeed; fall back to the
			// post id as the external reference.
			return post.ID.String(), nil
		}
		return out.Ref, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", distribution.NewDeliveryError(distribution.KindRateLimited, fmt.Errorf("endpoint returned %d", resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", distribution.NewDeliveryError(distribution.KindPlatformRejected, fmt.Errorf("endpoint returned %d", resp.StatusCode))
	default:
		return "", distribution.NewDeliveryError(distribution.KindTransientNetwork, fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}
}

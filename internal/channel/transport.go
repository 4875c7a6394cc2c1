// Package channel manages per-user signal inboxes on a publish/subscribe
// transport. Publishing only reaches listeners subscribed at that moment, so
// every recipient is reached through a confirmed subscription handshake first.
package channel

import (
	"context"
	"errors"
)

// ErrClosed is returned once the manager has been closed
var ErrClosed = errors.New("channel manager closed")

// Transport is the pub/sub substrate
type Transport interface {
	// Subscribe starts subscribing to channel. Delivery is only guaranteed
	// once Confirm has returned nil.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscription is one live subscription to a single channel
type Subscription interface {
	// Confirm blocks until the transport acknowledges the subscription or ctx ends
	Confirm(ctx context.Context) error
	// Messages yields payloads until the subscription is closed
	Messages() <-chan []byte
	Close() error
}

package realtime

import (
	"context"
	"errors"

	"supportchat/internal/domain"
)

// DefaultBufferSize is the per-subscriber queue length. A subscriber that
// falls this far behind is disconnected and has to resubscribe.
const DefaultBufferSize = 64

var ErrBrokerClosed = errors.New("broker closed")

// Broker fans chat events out to every subscriber of a topic, possibly
// across server instances.
type Broker interface {
	Publish(ctx context.Context, topic string, event domain.ChatEvent) error
	// Subscribe returns once the subscription is live, so any event
	// published after it returns is delivered.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription delivers events in publish order. Events is closed when the
// subscription ends, either by Close or because the subscriber fell behind.
type Subscription interface {
	Events() <-chan domain.ChatEvent
	Close() error
}

// Package pubsub is the fire-and-forget channel transport used to relay
// task events between nodes. Delivery is best effort: a message published
// while nobody is subscribed to its channel is lost.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed broker or subscriber
var ErrClosed = errors.New("pubsub: closed")

// Message is one payload received on a named channel
type Message struct {
	Channel string
	Payload []byte
}

// Publisher sends payloads to named channels
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber receives messages for the channels it is subscribed to.
// Subscribe and Unsubscribe may be called while another goroutine is
// blocked in Receive.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Receive blocks until a message arrives, ctx is done, or the
	// subscriber is closed (ErrClosed)
	Receive(ctx context.Context) (Message, error)
	// Channels returns the current subscription set
	Channels() []string
	Close() error
}

// Broker is a Publisher that can also hand out Subscribers
type Broker interface {
	Publisher
	NewSubscriber(ctx context.Context) (Subscriber, error)
	Close() error
}

// Package transport is the pipeline's view of the event log: it pulls source
// events from named channels and publishes routed events to output channels.
//
// The log itself (ordering, durability, replay) belongs to the backend:
// an in-process bus for development and tests, Redis streams in production.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("transport closed")

// Message is one record pulled from a channel.
type Message struct {
	ID      string
	Channel string
	Key     string
	Payload []byte

	ack func(ctx context.Context) error
}

// Ack commits the message so it is not delivered again. Messages that are
// never acked are redelivered by backends that support it.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Publisher writes a payload to a channel, partitioned by key.
type Publisher interface {
	Publish(ctx context.Context, channel, key string, payload []byte) error
}

// Consumer pulls messages from a channel.
type Consumer interface {
	// Fetch blocks until a message is available or ctx is done.
	Fetch(ctx context.Context, channel string) (Message, error)
}

// Transport is both ends of the log.
type Transport interface {
	Publisher
	Consumer
	Close() error
}

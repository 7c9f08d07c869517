// Package queue provides at-least-once message queue clients.
//
// Every backend hides delivered messages until they are acknowledged or
// their visibility timeout expires, after which they are delivered again
// with a new receipt.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStaleReceipt is returned when acknowledging with a receipt that no longer owns the message
	ErrStaleReceipt = errors.New("stale or unknown receipt")

	// ErrClosed is returned by operations on a closed client
	ErrClosed = errors.New("queue client closed")
)

// Message is one delivery of a queued message
type Message struct {
	ID           string
	Body         []byte
	Receipt      string
	ReceiveCount int
}

// Client is the contract shared by all queue backends
type Client interface {
	// Poll blocks up to wait for at most max messages. An empty result is not an error.
	Poll(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	// Acknowledge removes the delivered message permanently
	Acknowledge(ctx context.Context, msg Message) error
	// Send enqueues a new message body
	Send(ctx context.Context, body []byte) error
	// Close releases the underlying connection
	Close() error
}

// Extender is implemented by backends that can push back the visibility
// timeout of an in-flight delivery
type Extender interface {
	ExtendVisibility(ctx context.Context, msg Message, timeout time.Duration) error
}

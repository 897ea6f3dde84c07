package queue

import (
	"context"
	"errors"
	"time"
)

// ErrReceiptExpired is returned by Delete when the message became visible
// again (or was moved away) before it was deleted.
var ErrReceiptExpired = errors.New("queue: receipt handle expired")

// ErrClosed is returned once the handle or its connection is gone for good.
// Retrying on the same handle cannot succeed.
var ErrClosed = errors.New("queue: channel closed")

type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	// ReceiveCount is how many times the message has been handed out,
	// this delivery included.
	ReceiveCount int
}

// Channel is a queue with visibility-timeout semantics. A received message
// stays invisible to other receivers until it is deleted or its visibility
// timeout expires, after which it is delivered again. Messages received
// more than the configured maximum are moved to a separate dead-letter
// channel by the implementation.
type Channel interface {
	Send(ctx context.Context, body []byte) error
	// Receive returns at most one message, waiting up to wait for one to
	// arrive. It returns nil, nil when nothing arrived in time.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
	Close() error
}

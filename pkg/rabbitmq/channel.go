package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
	"transcode-jobs/pkg/queue"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type inflight struct {
	delivery amqp.Delivery
	timer    *time.Timer
}

// amqpChannel is the part of *amqp.Channel a queue handle uses.
type amqpChannel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	IsClosed() bool
	Close() error
}

// channel adapts a RabbitMQ queue to queue.Channel. A received delivery is
// held unacknowledged; when the visibility timeout passes it is returned to
// the broker with a requeueing nack, which counts as a failed delivery.
//
// Messages are pulled with basic.get rather than a push consumer, so a held
// delivery never stops the handle from receiving the next one.
type channel struct {
	ch           amqpChannel
	endpoint     Endpoint
	visibility   time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	inflight map[string]*inflight
}

// NewChannel opens a dedicated AMQP channel for one queue handle. Every
// poller gets its own so acknowledgements never cross.
func NewChannel(conn *amqp.Connection, endpoint Endpoint, visibility, pollInterval time.Duration) (queue.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, closedErr(err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return newChannel(ch, endpoint, visibility, pollInterval), nil
}

func newChannel(ch amqpChannel, endpoint Endpoint, visibility, pollInterval time.Duration) *channel {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &channel{
		ch:           ch,
		endpoint:     endpoint,
		visibility:   visibility,
		pollInterval: pollInterval,
		inflight:     make(map[string]*inflight),
	}
}

func (c *channel) Send(ctx context.Context, body []byte) error {
	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx,
		c.endpoint.Exchange,
		c.endpoint.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return c.closedErr(err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return c.closedErr(err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message for %s", c.endpoint.Exchange)
	}
	return nil
}

func (c *channel) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	deadline := time.Now().Add(wait)
	for {
		d, ok, err := c.ch.Get(c.endpoint.Queue, false)
		if err != nil {
			return nil, c.closedErr(err)
		}
		if ok {
			return c.hold(ctx, d), nil
		}
		remaining := time.Until(deadline)
		if wait <= 0 || remaining <= 0 {
			return nil, nil
		}
		pause := c.pollInterval
		if remaining < pause {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}

func (c *channel) hold(ctx context.Context, d amqp.Delivery) *queue.Message {
	handle := strconv.FormatUint(d.DeliveryTag, 10)
	logger := zerolog.Ctx(ctx).With().Str("queue", c.endpoint.Queue).Str("message_id", d.MessageId).Logger()

	c.mu.Lock()
	c.inflight[handle] = &inflight{
		delivery: d,
		timer: time.AfterFunc(c.visibility, func() {
			c.mu.Lock()
			_, held := c.inflight[handle]
			delete(c.inflight, handle)
			c.mu.Unlock()
			if !held {
				return
			}
			logger.Warn().Msg("visibility timeout expired, returning message to queue")
			if err := d.Nack(false, true); err != nil {
				logger.Error().Err(err).Msg("failed to return message to queue")
			}
		}),
	}
	c.mu.Unlock()

	return &queue.Message{
		ID:            d.MessageId,
		Body:          d.Body,
		ReceiptHandle: handle,
		ReceiveCount:  receiveCount(d),
	}
}

func (c *channel) Delete(_ context.Context, msg *queue.Message) error {
	c.mu.Lock()
	f, ok := c.inflight[msg.ReceiptHandle]
	if ok {
		delete(c.inflight, msg.ReceiptHandle)
	}
	c.mu.Unlock()

	if !ok {
		return queue.ErrReceiptExpired
	}
	// removed from inflight, so a timer that already fired will not nack it
	f.timer.Stop()
	if err := f.delivery.Ack(false); err != nil {
		return c.closedErr(err)
	}
	return nil
}

func (c *channel) Close() error {
	c.mu.Lock()
	for handle, f := range c.inflight {
		f.timer.Stop()
		delete(c.inflight, handle)
	}
	c.mu.Unlock()
	// unacknowledged deliveries go back to the queue when the channel closes
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// closedErr marks errors from a dead channel or connection with
// queue.ErrClosed. amqp091 never reopens a channel.
func (c *channel) closedErr(err error) error {
	if c.ch.IsClosed() {
		return fmt.Errorf("%w: %w", queue.ErrClosed, err)
	}
	return closedErr(err)
}

func closedErr(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %w", queue.ErrClosed, err)
	}
	return err
}

// receiveCount reads the broker's delivery counter. Quorum queues set
// x-delivery-count to the number of earlier failed deliveries.
func receiveCount(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

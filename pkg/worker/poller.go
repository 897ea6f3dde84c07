package worker

import (
	"context"
	"errors"
	"time"
	"transcode-jobs/pkg/metrics"
	"transcode-jobs/pkg/queue"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

type Handler[T any] func(ctx context.Context, msg *queue.Message, dependencies T) error

type Config struct {
	ID int
	// Wait bounds a single receive.
	Wait time.Duration
	// PeriodicEvery runs the periodic task after every n poll cycles.
	PeriodicEvery int
	MaxBackoff    time.Duration
}

// Poller receives one message at a time from a channel and runs the handler
// on it synchronously. A message is deleted only after the handler returned
// nil; otherwise it is left for the visibility timeout to release.
type Poller[T any] struct {
	channel  queue.Channel
	handler  Handler[T]
	cfg      Config
	periodic func(ctx context.Context)
}

func NewPoller[T any](
	channel queue.Channel,
	cfg Config,
	handler Handler[T],
	periodic func(ctx context.Context),
) *Poller[T] {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Poller[T]{
		channel:  channel,
		handler:  handler,
		cfg:      cfg,
		periodic: periodic,
	}
}

// Run polls until ctx is cancelled or the channel reports queue.ErrClosed.
// Other receive errors are retried with backoff.
func (p *Poller[T]) Run(ctx context.Context, dependencies T) error {
	logger := zerolog.Ctx(ctx).With().Int("worker_id", p.cfg.ID).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Msg("poller started")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = p.cfg.MaxBackoff

	for cycle := 1; ; cycle++ {
		if err := ctx.Err(); err != nil {
			logger.Info().Msg("poller stopped")
			return err
		}

		if err := p.Poll(ctx, dependencies); err != nil && ctx.Err() == nil {
			metrics.QueueReceiveErrors.Inc()
			if errors.Is(err, queue.ErrClosed) {
				logger.Error().Err(err).Msg("queue closed, poller exiting")
				return err
			}
			pause := bo.NextBackOff()
			logger.Error().Err(err).Dur("pause", pause).Msg("failed to receive message")
			select {
			case <-ctx.Done():
			case <-time.After(pause):
			}
		} else {
			bo.Reset()
		}

		if p.periodic != nil && p.cfg.PeriodicEvery > 0 && cycle%p.cfg.PeriodicEvery == 0 && ctx.Err() == nil {
			p.periodic(ctx)
		}
	}
}

// Poll runs one receive-handle-delete cycle. Only receive errors are
// returned; handler and delete failures are logged.
func (p *Poller[T]) Poll(ctx context.Context, dependencies T) error {
	msg, err := p.channel.Receive(ctx, p.cfg.Wait)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	logger := zerolog.Ctx(ctx).With().Str("message_id", msg.ID).Int("receive_count", msg.ReceiveCount).Logger()
	if err := p.handler(logger.WithContext(ctx), msg, dependencies); err != nil {
		logger.Error().Err(err).Msg("failed to handle message, leaving it for redelivery")
		return nil
	}

	if err := p.channel.Delete(ctx, msg); err != nil {
		if errors.Is(err, queue.ErrReceiptExpired) {
			logger.Warn().Msg("message became visible again before it was deleted")
			return nil
		}
		logger.Error().Err(err).Msg("failed to delete message")
	}
	return nil
}

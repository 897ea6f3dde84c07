package rabbitmq

import (
	"context"
	"transcode-jobs/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Endpoint names where a channel publishes and which queue it reads.
type Endpoint struct {
	Exchange   string
	RoutingKey string
	Queue      string
}

func JobsEndpoint(cfg *config.RabbitMQ) Endpoint {
	return Endpoint{Exchange: cfg.Exchange, RoutingKey: cfg.RoutingKey, Queue: cfg.Queue}
}

func DeadLetterEndpoint(cfg *config.RabbitMQ) Endpoint {
	return Endpoint{Exchange: cfg.DeadLetterExchange, RoutingKey: cfg.DeadLetterRoutingKey, Queue: cfg.DeadLetterQueue}
}

// DeclareTopology declares the job exchange and queue and the dead-letter
// exchange and queue behind it. The job queue is a quorum queue so the
// broker itself counts deliveries and dead-letters a message once it has
// been handed out maxReceives times without being acknowledged.
func DeclareTopology(ctx context.Context, conn *amqp.Connection, cfg *config.RabbitMQ, maxReceives int) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	err = ch.ExchangeDeclare(cfg.Exchange, cfg.Kind, true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("exchange", cfg.Exchange).Msg("failed to declare exchange")
		return err
	}

	err = ch.ExchangeDeclare(cfg.DeadLetterExchange, cfg.Kind, true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("exchange", cfg.DeadLetterExchange).Msg("failed to declare dlx")
		return err
	}

	dlq, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", cfg.DeadLetterQueue).Msg("failed to declare dlq")
		return err
	}

	err = ch.QueueBind(dlq.Name, cfg.DeadLetterRoutingKey, cfg.DeadLetterExchange, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", cfg.DeadLetterQueue).Msg("failed to bind dlq")
		return err
	}

	args := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    cfg.DeadLetterExchange,
		"x-dead-letter-routing-key": cfg.DeadLetterRoutingKey,
	}
	if maxReceives > 0 {
		// the broker allows limit+1 deliveries before dead-lettering
		args["x-delivery-limit"] = int64(maxReceives - 1)
	}
	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", cfg.Queue).Msg("failed to declare queue")
		return err
	}

	err = ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", cfg.Queue).Msg("failed to bind queue")
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("queue", cfg.Queue).
		Str("exchange", cfg.Exchange).
		Str("routing_key", cfg.RoutingKey).
		Str("dlq", cfg.DeadLetterQueue).
		Int("max_receives", maxReceives).
		Msg("queue topology declared")
	return nil
}

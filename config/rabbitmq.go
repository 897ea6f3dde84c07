package config

import (
	"context"
	"fmt"
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func (r *RabbitMQ) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Pass),
		Host:   fmt.Sprintf("%s:%d", r.Host, r.Port),
		Path:   "/" + r.VHost,
	}
	return u.String()
}

// NewRabbitMQConn dials the broker with retries. The connection is closed
// when ctx is done.
func NewRabbitMQConn(ctx context.Context, cfg *RabbitMQ) (*amqp.Connection, error) {
	conn, err := retry(ctx, "rabbitmq", func() (*amqp.Connection, error) {
		return amqp.Dial(cfg.URL())
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to connect to RabbitMQ")
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Str("host", cfg.Host).Msg("connected to RabbitMQ")
	go func() {
		<-ctx.Done()
		if conn.IsClosed() {
			return
		}
		if err := conn.Close(); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to close RabbitMQ connection")
			return
		}
		zerolog.Ctx(ctx).Info().Msg("RabbitMQ connection closed")
	}()

	return conn, nil
}

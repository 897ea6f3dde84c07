package config

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const connectAttempts = 5

func retry[T any](ctx context.Context, target string, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("target", target).Msg("connect failed, retrying")
		}
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(connectAttempts))
}

func NewPostgresDB(ctx context.Context, cfg Store) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if _, err := retry(ctx, "postgres", func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Msg("connected to postgres")
	return db, nil
}

func NewRedisClient(ctx context.Context, cfg Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := retry(ctx, "redis", func() (string, error) {
		return client.Ping(ctx).Result()
	}); err != nil {
		_ = client.Close()
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return client, nil
}

func NewMinIOClient(cfg MinIO) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
}

package server

import (
	"context"
	"errors"
	"fmt"
	"time"
	"transcode-jobs/config"
	"transcode-jobs/constant"
	"transcode-jobs/pkg/ffmpeg"
	"transcode-jobs/pkg/queue"
	"transcode-jobs/pkg/rabbitmq"
	"transcode-jobs/pkg/redisqueue"
	"transcode-jobs/pkg/storage"
	"transcode-jobs/repository"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// infra owns the long-lived connections a process needs and builds the
// store, queue handles and object store on top of them.
type infra struct {
	cfg   *config.Config
	repo  repository.JobRepository
	amqp  *amqp.Connection
	redis *redis.Client
}

func openInfra(ctx context.Context, cfg *config.Config) (*infra, error) {
	i := &infra{cfg: cfg}

	if cfg.Store.Driver == constant.StoreDriverRedis || cfg.Queue.Driver == constant.QueueDriverRedis {
		client, err := config.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		i.redis = client
	}

	repo, err := i.openRepository(ctx)
	if err != nil {
		i.Close()
		return nil, fmt.Errorf("job store: %w", err)
	}
	i.repo = repo

	if err := repo.Migrate(ctx); err != nil {
		i.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}

	if cfg.Queue.Driver == constant.QueueDriverRabbitMQ {
		conn, err := config.NewRabbitMQConn(ctx, cfg.RabbitMQ)
		if err != nil {
			i.Close()
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		i.amqp = conn
		if err := rabbitmq.DeclareTopology(ctx, conn, cfg.RabbitMQ, cfg.Queue.MaxReceives); err != nil {
			i.Close()
			return nil, fmt.Errorf("declare topology: %w", err)
		}
	}

	zerolog.Ctx(ctx).Info().
		Str("store", string(cfg.Store.Driver)).
		Str("queue", string(cfg.Queue.Driver)).
		Msg("infrastructure ready")
	return i, nil
}

func (i *infra) openRepository(ctx context.Context) (repository.JobRepository, error) {
	switch i.cfg.Store.Driver {
	case constant.StoreDriverPostgres:
		db, err := config.NewPostgresDB(ctx, i.cfg.Store)
		if err != nil {
			return nil, err
		}
		return repository.NewRepo(db)
	case constant.StoreDriverSQLite:
		return repository.NewSQLiteRepo(ctx, i.cfg.Store.SQLitePath)
	case constant.StoreDriverRedis:
		return repository.NewRedisRepo(i.redis), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", i.cfg.Store.Driver)
}

// JobsChannel opens a new handle on the job queue. Each poller and the
// submitter get their own.
func (i *infra) JobsChannel() (queue.Channel, error) {
	switch i.cfg.Queue.Driver {
	case constant.QueueDriverRabbitMQ:
		return rabbitmq.NewChannel(i.amqp, rabbitmq.JobsEndpoint(i.cfg.RabbitMQ), i.cfg.Queue.VisibilityTimeout, i.cfg.Queue.PollInterval)
	case constant.QueueDriverRedis:
		return redisqueue.New(i.redis, redisqueue.Config{
			Name:         i.cfg.Queue.RedisName,
			DeadLetter:   i.cfg.Queue.RedisDeadLetter,
			Visibility:   i.cfg.Queue.VisibilityTimeout,
			MaxReceives:  i.cfg.Queue.MaxReceives,
			PollInterval: i.cfg.Queue.PollInterval,
		}), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", i.cfg.Queue.Driver)
}

func (i *infra) DeadLetterChannel() (queue.Channel, error) {
	switch i.cfg.Queue.Driver {
	case constant.QueueDriverRabbitMQ:
		return rabbitmq.NewChannel(i.amqp, rabbitmq.DeadLetterEndpoint(i.cfg.RabbitMQ), i.cfg.Queue.VisibilityTimeout, i.cfg.Queue.PollInterval)
	case constant.QueueDriverRedis:
		// the dead-letter queue itself never dead-letters
		return redisqueue.New(i.redis, redisqueue.Config{
			Name:         i.cfg.Queue.RedisDeadLetter,
			Visibility:   i.cfg.Queue.VisibilityTimeout,
			PollInterval: i.cfg.Queue.PollInterval,
		}), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", i.cfg.Queue.Driver)
}

func (i *infra) ObjectStore(ctx context.Context) (storage.ObjectStore, error) {
	switch i.cfg.Storage.Driver {
	case constant.StorageDriverMinIO:
		client, err := config.NewMinIOClient(i.cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if err := storage.EnsureBucket(ctx, client, i.cfg.MinIO.Bucket); err != nil {
			return nil, err
		}
		return storage.NewMinIOStore(client, i.cfg.MinIO.Bucket), nil
	case constant.StorageDriverLocal:
		return storage.NewDirStore(i.cfg.Storage.LocalRoot)
	}
	return nil, fmt.Errorf("unknown storage driver %q", i.cfg.Storage.Driver)
}

func (i *infra) Engine() *ffmpeg.Engine {
	return ffmpeg.NewEngine(ffmpeg.Config{
		FFmpegPath:  i.cfg.Engine.FFmpegPath,
		FFprobePath: i.cfg.Engine.FFprobePath,
	})
}

const healthTimeout = 2 * time.Second

// Health fails once the broker connection is gone or redis stops answering.
// amqp091 does not reconnect, so a closed connection stays unhealthy.
func (i *infra) Health(ctx context.Context) error {
	if i.amqp != nil && i.amqp.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	if i.redis != nil {
		ctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := i.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (i *infra) Close() {
	if i.repo != nil {
		_ = i.repo.Close()
		// the redis store closes the shared client
		if i.cfg.Store.Driver == constant.StoreDriverRedis {
			i.redis = nil
		}
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
	if i.amqp != nil && !i.amqp.IsClosed() {
		_ = i.amqp.Close()
	}
}

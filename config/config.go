package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"transcode-jobs/constant"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App          App          `yaml:"app"`
	Server       Server       `yaml:"server"`
	API          API          `yaml:"api"`
	Store        Store        `yaml:"store"`
	Queue        Queue        `yaml:"queue"`
	RabbitMQ     *RabbitMQ    `yaml:"rabbitmq"`
	Redis        Redis        `yaml:"redis"`
	MinIO        MinIO        `yaml:"minio"`
	Storage      Storage      `yaml:"storage"`
	Engine       Engine       `yaml:"engine"`
	Housekeeping Housekeeping `yaml:"housekeeping"`
}

type App struct {
	Environment string `yaml:"environment"`
	Name        string `yaml:"name"`
}

// Server is the worker process: poller count and its health/metrics port.
type Server struct {
	HttpPort string `yaml:"http_port"`
	Workers  int    `yaml:"workers"`
}

type API struct {
	HttpPort  string `yaml:"http_port"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

type Store struct {
	Driver       constant.StoreDriver `yaml:"driver"`
	PostgresDSN  string               `yaml:"postgres_dsn"`
	SQLitePath   string               `yaml:"sqlite_path"`
	MaxOpenConns int                  `yaml:"max_open_conns"`
}

type Queue struct {
	Driver            constant.QueueDriver `yaml:"driver"`
	VisibilityTimeout time.Duration        `yaml:"visibility_timeout"`
	WaitTime          time.Duration        `yaml:"wait_time"`
	MaxReceives       int                  `yaml:"max_receives"`
	ReconcileEvery    int                  `yaml:"reconcile_every"`
	ReconcileBatch    int                  `yaml:"reconcile_batch"`
	RedisName         string               `yaml:"redis_name"`
	RedisDeadLetter   string               `yaml:"redis_dead_letter"`
	PollInterval      time.Duration        `yaml:"poll_interval"`
}

type RabbitMQ struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	User                 string `json:"user"`
	Pass                 string `json:"pass"`
	VHost                string `json:"vhost"`
	Kind                 string `json:"kind"`
	Exchange             string `json:"exchange"`
	RoutingKey           string `json:"routing_key"`
	Queue                string `json:"queue"`
	DeadLetterExchange   string `json:"dead_letter_exchange"`
	DeadLetterRoutingKey string `json:"dead_letter_routing_key"`
	DeadLetterQueue      string `json:"dead_letter_queue"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MinIO struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Storage struct {
	Driver    constant.StorageDriver `yaml:"driver"`
	LocalRoot string                 `yaml:"local_root"`
	TempDir   string                 `yaml:"temp_dir"`
}

type Engine struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
}

type Housekeeping struct {
	Retention time.Duration `yaml:"retention"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", constant.EnvironmentDevelop.String())
	v.SetDefault("app.name", "transcode-jobs")

	v.SetDefault("server.http_port", "8081")
	v.SetDefault("server.workers", 2)

	v.SetDefault("api.http_port", "8080")
	v.SetDefault("api.jwt_issuer", "")

	v.SetDefault("store.driver", string(constant.StoreDriverPostgres))
	v.SetDefault("store.sqlite_path", "transcode-jobs.db")
	v.SetDefault("store.max_open_conns", 10)

	v.SetDefault("queue.driver", string(constant.QueueDriverRabbitMQ))
	v.SetDefault("queue.visibility_timeout", 15*time.Minute)
	v.SetDefault("queue.wait_time", 20*time.Second)
	v.SetDefault("queue.max_receives", 3)
	v.SetDefault("queue.reconcile_every", 10)
	v.SetDefault("queue.reconcile_batch", 10)
	v.SetDefault("queue.redis_name", "transcode:jobs")
	v.SetDefault("queue.redis_dead_letter", "transcode:jobs:dlq")
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)

	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.pass", "guest")
	v.SetDefault("rabbitmq.kind", "direct")
	v.SetDefault("rabbitmq.exchange", "transcode.exchange")
	v.SetDefault("rabbitmq.routing_key", "transcode.request")
	v.SetDefault("rabbitmq.queue", "transcode.jobs")
	v.SetDefault("rabbitmq.dead_letter_exchange", "transcode.dlx")
	v.SetDefault("rabbitmq.dead_letter_routing_key", "transcode.dead")
	v.SetDefault("rabbitmq.dead_letter_queue", "transcode.jobs.dlq")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.bucket", "videos")

	v.SetDefault("storage.driver", string(constant.StorageDriverMinIO))
	v.SetDefault("storage.local_root", "objects")

	v.SetDefault("engine.ffmpeg_path", "ffmpeg")
	v.SetDefault("engine.ffprobe_path", "ffprobe")

	v.SetDefault("housekeeping.retention", 7*24*time.Hour)
}

// Load reads config.yaml from path (optional), then a .env file next to it
// (optional), and lets environment variables override any key, with dots
// replaced by underscores: QUEUE_MAX_RECEIVES overrides queue.max_receives.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{
		App: App{
			Environment: v.GetString("app.environment"),
			Name:        v.GetString("app.name"),
		},
		Server: Server{
			HttpPort: v.GetString("server.http_port"),
			Workers:  v.GetInt("server.workers"),
		},
		API: API{
			HttpPort:  v.GetString("api.http_port"),
			JWTSecret: v.GetString("api.jwt_secret"),
			JWTIssuer: v.GetString("api.jwt_issuer"),
		},
		Store: Store{
			Driver:       constant.StoreDriver(v.GetString("store.driver")),
			PostgresDSN:  v.GetString("store.postgres_dsn"),
			SQLitePath:   v.GetString("store.sqlite_path"),
			MaxOpenConns: v.GetInt("store.max_open_conns"),
		},
		Queue: Queue{
			Driver:            constant.QueueDriver(v.GetString("queue.driver")),
			VisibilityTimeout: v.GetDuration("queue.visibility_timeout"),
			WaitTime:          v.GetDuration("queue.wait_time"),
			MaxReceives:       v.GetInt("queue.max_receives"),
			ReconcileEvery:    v.GetInt("queue.reconcile_every"),
			ReconcileBatch:    v.GetInt("queue.reconcile_batch"),
			RedisName:         v.GetString("queue.redis_name"),
			RedisDeadLetter:   v.GetString("queue.redis_dead_letter"),
			PollInterval:      v.GetDuration("queue.poll_interval"),
		},
		RabbitMQ: &RabbitMQ{
			Host:                 v.GetString("rabbitmq.host"),
			Port:                 v.GetInt("rabbitmq.port"),
			User:                 v.GetString("rabbitmq.user"),
			Pass:                 v.GetString("rabbitmq.pass"),
			VHost:                v.GetString("rabbitmq.vhost"),
			Kind:                 v.GetString("rabbitmq.kind"),
			Exchange:             v.GetString("rabbitmq.exchange"),
			RoutingKey:           v.GetString("rabbitmq.routing_key"),
			Queue:                v.GetString("rabbitmq.queue"),
			DeadLetterExchange:   v.GetString("rabbitmq.dead_letter_exchange"),
			DeadLetterRoutingKey: v.GetString("rabbitmq.dead_letter_routing_key"),
			DeadLetterQueue:      v.GetString("rabbitmq.dead_letter_queue"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		MinIO: MinIO{
			Endpoint:  v.GetString("minio.endpoint"),
			AccessKey: v.GetString("minio.access_key"),
			SecretKey: v.GetString("minio.secret_key"),
			Bucket:    v.GetString("minio.bucket"),
			UseSSL:    v.GetBool("minio.use_ssl"),
		},
		Storage: Storage{
			Driver:    constant.StorageDriver(v.GetString("storage.driver")),
			LocalRoot: v.GetString("storage.local_root"),
			TempDir:   v.GetString("storage.temp_dir"),
		},
		Engine: Engine{
			FFmpegPath:  v.GetString("engine.ffmpeg_path"),
			FFprobePath: v.GetString("engine.ffprobe_path"),
		},
		Housekeeping: Housekeeping{
			Retention: v.GetDuration("housekeeping.retention"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.MaxReceives < 1 {
		errs = append(errs, errors.New("queue.max_receives must be at least 1"))
	}
	if c.Queue.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("queue.visibility_timeout must be positive"))
	}
	if c.Server.Workers < 1 {
		errs = append(errs, errors.New("server.workers must be at least 1"))
	}
	switch c.Store.Driver {
	case constant.StoreDriverPostgres, constant.StoreDriverSQLite, constant.StoreDriverRedis:
	default:
		errs = append(errs, errors.New("store.driver must be postgres, sqlite or redis"))
	}
	switch c.Queue.Driver {
	case constant.QueueDriverRabbitMQ, constant.QueueDriverRedis:
	default:
		errs = append(errs, errors.New("queue.driver must be rabbitmq or redis"))
	}
	switch c.Storage.Driver {
	case constant.StorageDriverMinIO, constant.StorageDriverLocal:
	default:
		errs = append(errs, errors.New("storage.driver must be minio or local"))
	}
	return errors.Join(errs...)
}

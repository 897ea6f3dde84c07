package constant

type JobStatus string

const (
	JobStatusQueued            JobStatus = "queued"
	JobStatusProcessing        JobStatus = "processing"
	JobStatusCompleted         JobStatus = "completed"
	JobStatusFailed            JobStatus = "failed"
	JobStatusPermanentlyFailed JobStatus = "permanently_failed"
)

func (s JobStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusPermanentlyFailed
}

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}

type StoreDriver string

const (
	StoreDriverPostgres StoreDriver = "postgres"
	StoreDriverSQLite   StoreDriver = "sqlite"
	StoreDriverRedis    StoreDriver = "redis"
)

type QueueDriver string

const (
	QueueDriverRabbitMQ QueueDriver = "rabbitmq"
	QueueDriverRedis    QueueDriver = "redis"
)

type StorageDriver string

const (
	StorageDriverMinIO StorageDriver = "minio"
	StorageDriverLocal StorageDriver = "local"
)

const (
	RoleAdmin = "admin"

	ExhaustedRetriesError = "exhausted retries"
)

package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the process bootstrap configuration, read from the environment.
// The worker configuration document (origins, derivatives, cache profiles)
// is separate; see Store.
type Config struct {
	Server   ServerConfig
	Worker   WorkerProcessConfig
	Redis    RedisConfig
	MinIO    MinIOConfig
	RabbitMQ RabbitMQConfig
	Database DatabaseConfig
	Proxy    ProxyConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"API_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"10s"`
}

type WorkerProcessConfig struct {
	MaxRetries      int           `envconfig:"WORKER_MAX_RETRIES" default:"3"`
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MinIOConfig struct {
	Endpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	UseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`

	// Buckets maps binding names referenced by origin sources to bucket
	// names, e.g. "VIDEOS_BUCKET:videos,ASSETS_BUCKET:assets".
	Buckets map[string]string `envconfig:"MINIO_BUCKETS"`
}

type RabbitMQConfig struct {
	Host     string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port     int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"RABBITMQ_USER" default:"vidproxy"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"vidproxy"`
	VHost    string `envconfig:"RABBITMQ_VHOST" default:"/"`

	// Enabled gates the revalidation queue; without it, refresh work runs
	// through the in-process background gate instead.
	Enabled bool `envconfig:"RABBITMQ_ENABLED" default:"false"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

type DatabaseConfig struct {
	// DSN enables the variant registry when non-empty.
	DSN string `envconfig:"POSTGRES_DSN" default:""`
}

// ProxyConfig tunes the transformation core.
type ProxyConfig struct {
	// WorkerConfigPath points at the JSON worker configuration document.
	// When empty, the document is read from the KV key WorkerConfigKey.
	WorkerConfigPath string `envconfig:"WORKER_CONFIG_PATH" default:""`
	WorkerConfigKey  string `envconfig:"WORKER_CONFIG_KEY" default:"worker-config"`

	// PublicOrigin is the externally reachable scheme://host of this
	// deployment, used by revalidation tasks that carry no request URL.
	PublicOrigin string `envconfig:"PUBLIC_ORIGIN" default:""`

	ChunkSize         int64 `envconfig:"CACHE_CHUNK_SIZE" default:"10485760"`
	SingleEntryMax    int64 `envconfig:"CACHE_SINGLE_ENTRY_MAX" default:"20971520"`
	FallbackCacheMax  int64 `envconfig:"FALLBACK_CACHE_MAX_BYTES" default:"134217728"`
	StoreIndefinitely bool  `envconfig:"CACHE_STORE_INDEFINITELY" default:"false"`

	FetchTimeout   time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	FailoverBudget time.Duration `envconfig:"FAILOVER_BUDGET" default:"60s"`

	PresignExpiry           time.Duration `envconfig:"PRESIGN_EXPIRY" default:"1h"`
	PresignRefreshThreshold time.Duration `envconfig:"PRESIGN_REFRESH_THRESHOLD" default:"5m"`

	RefreshMinElapsedPercent int `envconfig:"CACHE_REFRESH_MIN_ELAPSED_PERCENT" default:"80"`
	RefreshMinRemainingSecs  int `envconfig:"CACHE_REFRESH_MIN_REMAINING_SECONDS" default:"300"`

	BackgroundMaxConcurrent int           `envconfig:"BACKGROUND_MAX_CONCURRENT" default:"16"`
	BackgroundTaskTimeout   time.Duration `envconfig:"BACKGROUND_TASK_TIMEOUT" default:"2m"`
}

// Load reads the bootstrap configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

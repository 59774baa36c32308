// Package config handles configuration for the docmesh service
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/developer-mesh/docmesh/pkg/observability"
)

// Config represents the complete configuration for docmesh
type Config struct {
	Server     ServerConfig                `mapstructure:"server"`
	Database   DatabaseConfig              `mapstructure:"database"`
	Redis      RedisConfig                 `mapstructure:"redis"`
	Queue      QueueConfig                 `mapstructure:"queue"`
	Worker     WorkerConfig                `mapstructure:"worker"`
	Vector     VectorConfig                `mapstructure:"vector"`
	Embedding  EmbeddingConfig             `mapstructure:"embedding"`
	Extractor  ExtractorConfig             `mapstructure:"extractor"`
	Storage    StorageConfig               `mapstructure:"storage"`
	AWS        AWSConfig                   `mapstructure:"aws"`
	Processing ProcessingConfig            `mapstructure:"processing"`
	Logging    observability.LoggingConfig `mapstructure:"logging"`
	Tracing    observability.TracingConfig `mapstructure:"tracing"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Mode            string        `mapstructure:"mode"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds a lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	Database    int           `mapstructure:"database"`
	MaxRetries  int           `mapstructure:"max_retries"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
}

// QueueConfig contains job queue settings
type QueueConfig struct {
	Name            string        `mapstructure:"name"`
	Prefix          string        `mapstructure:"prefix"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	KeepCompleted   int           `mapstructure:"keep_completed"`
	KeepFailed      int           `mapstructure:"keep_failed"`
	PromoteInterval time.Duration `mapstructure:"promote_interval"`
	StalledSchedule string        `mapstructure:"stalled_schedule"`
	MaxStalledCount int           `mapstructure:"max_stalled_count"`
	EventBufferSize int           `mapstructure:"event_buffer_size"`
}

// WorkerConfig contains worker pool settings
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	BacklogThreshold  int64         `mapstructure:"backlog_threshold"`
	PoolMax           int           `mapstructure:"pool_max"`
	PoolIdleTimeout   time.Duration `mapstructure:"pool_idle_timeout"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
}

// VectorConfig contains vector store settings
type VectorConfig struct {
	Backend         string               `mapstructure:"backend"` // memory, pgvector, http
	Endpoint        string               `mapstructure:"endpoint"`
	APIKey          string               `mapstructure:"api_key"`
	Namespace       string               `mapstructure:"namespace"`
	Dimensions      int                  `mapstructure:"dimensions"`
	BatchSize       int                  `mapstructure:"batch_size"`
	MaxRetries      int                  `mapstructure:"max_retries"`
	RetryDelay      time.Duration        `mapstructure:"retry_delay"`
	InterBatchDelay time.Duration        `mapstructure:"inter_batch_delay"`
	Timeout         time.Duration        `mapstructure:"timeout"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig contains circuit breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	Timeout             time.Duration `mapstructure:"timeout"`
	HalfOpenMaxRequests int           `mapstructure:"half_open_max_requests"`
}

// EmbeddingConfig contains embedding generation settings
type EmbeddingConfig struct {
	Provider       string               `mapstructure:"provider"` // openai, bedrock, hash
	Endpoint       string               `mapstructure:"endpoint"`
	APIKey         string               `mapstructure:"api_key"`
	Model          string               `mapstructure:"model"`
	Dimensions     int                  `mapstructure:"dimensions"`
	BatchSize      int                  `mapstructure:"batch_size"`
	RateLimitRPM   int                  `mapstructure:"rate_limit_rpm"`
	Region         string               `mapstructure:"region"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// ExtractorConfig contains content extraction settings
type ExtractorConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	RobotsTimeout time.Duration `mapstructure:"robots_timeout"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
}

// StorageConfig contains blob storage settings
type StorageConfig struct {
	Backend           string `mapstructure:"backend"` // local, s3
	LocalDir          string `mapstructure:"local_dir"`
	Bucket            string `mapstructure:"bucket"`
	Prefix            string `mapstructure:"prefix"`
	Region            string `mapstructure:"region"`
	Endpoint          string `mapstructure:"endpoint"`
	UploadPartSize    int64  `mapstructure:"upload_part_size"`
	UploadConcurrency int    `mapstructure:"upload_concurrency"`
}

// AWSConfig contains credentials shared by the S3 store and the Bedrock
// embedder. Empty keys defer to the default AWS credential chain.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// ProcessingConfig contains document processing settings
type ProcessingConfig struct {
	ChunkSize      int           `mapstructure:"chunk_size"`
	ChunkOverlap   int           `mapstructure:"chunk_overlap"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// Load loads configuration from .env, config files and the environment
func Load() (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("docmesh")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/docmesh")

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.mode", "release")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "docmesh")
	v.SetDefault("database.username", "docmesh")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "2m")
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.pool_size", 20)

	// Queue defaults
	v.SetDefault("queue.name", "document-processing")
	v.SetDefault("queue.prefix", "docmesh:queue")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", "2s")
	v.SetDefault("queue.keep_completed", 100)
	v.SetDefault("queue.keep_failed", 500)
	v.SetDefault("queue.promote_interval", "500ms")
	v.SetDefault("queue.stalled_schedule", "@every 30s")
	v.SetDefault("queue.max_stalled_count", 1)
	v.SetDefault("queue.event_buffer_size", 256)

	// Worker defaults
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.lock_ttl", "30s")
	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.health_interval", "1m")
	v.SetDefault("worker.backlog_threshold", 100)
	v.SetDefault("worker.pool_max", 50)
	v.SetDefault("worker.pool_idle_timeout", "5m")
	v.SetDefault("worker.job_timeout", "15m")

	// Vector store defaults
	v.SetDefault("vector.backend", "pgvector")
	v.SetDefault("vector.endpoint", "")
	v.SetDefault("vector.api_key", "")
	v.SetDefault("vector.namespace", "docmesh")
	v.SetDefault("vector.dimensions", 1536)
	v.SetDefault("vector.batch_size", 100)
	v.SetDefault("vector.max_retries", 2)
	v.SetDefault("vector.retry_delay", "500ms")
	v.SetDefault("vector.inter_batch_delay", "100ms")
	v.SetDefault("vector.timeout", "30s")
	v.SetDefault("vector.circuit_breaker.failure_threshold", 5)
	v.SetDefault("vector.circuit_breaker.timeout", "30s")
	v.SetDefault("vector.circuit_breaker.half_open_max_requests", 3)

	// Embedding defaults
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.endpoint", "https://api.openai.com")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("embedding.rate_limit_rpm", 500)
	v.SetDefault("embedding.region", "us-east-1")
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("embedding.circuit_breaker.failure_threshold", 5)
	v.SetDefault("embedding.circuit_breaker.timeout", "30s")
	v.SetDefault("embedding.circuit_breaker.half_open_max_requests", 3)

	// Extractor defaults
	v.SetDefault("extractor.user_agent", "DocmeshBot")
	v.SetDefault("extractor.fetch_timeout", "15s")
	v.SetDefault("extractor.robots_timeout", "5s")
	v.SetDefault("extractor.max_body_bytes", 10<<20)

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./data/blobs")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.upload_part_size", 8*1024*1024)
	v.SetDefault("storage.upload_concurrency", 4)

	// AWS defaults
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.session_token", "")

	// Processing defaults
	v.SetDefault("processing.chunk_size", 200)
	v.SetDefault("processing.chunk_overlap", 40)
	v.SetDefault("processing.stale_threshold", "10m")

	// Logging and tracing defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "docmesh")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix("DOCMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names used by the deployment manifests
	_ = v.BindEnv("server.port", "DOCMESH_SERVER_PORT", "PORT")
	_ = v.BindEnv("database.host", "DOCMESH_DATABASE_HOST", "DATABASE_HOST")
	_ = v.BindEnv("database.port", "DOCMESH_DATABASE_PORT", "DATABASE_PORT")
	_ = v.BindEnv("database.database", "DOCMESH_DATABASE_DATABASE", "DATABASE_NAME")
	_ = v.BindEnv("database.username", "DOCMESH_DATABASE_USERNAME", "DATABASE_USER")
	_ = v.BindEnv("database.password", "DOCMESH_DATABASE_PASSWORD", "DATABASE_PASSWORD")
	_ = v.BindEnv("redis.address", "DOCMESH_REDIS_ADDRESS", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "DOCMESH_REDIS_PASSWORD", "REDIS_PASSWORD")
	_ = v.BindEnv("embedding.api_key", "DOCMESH_EMBEDDING_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("vector.api_key", "DOCMESH_VECTOR_API_KEY", "VECTOR_API_KEY")
	_ = v.BindEnv("logging.level", "DOCMESH_LOGGING_LEVEL", "LOG_LEVEL")
}

// validate validates the configuration
// minUploadPartSize is the smallest part S3 accepts in a multipart upload
const minUploadPartSize = 5 * 1024 * 1024

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive: %d", cfg.Worker.Concurrency)
	}
	if cfg.Database.MaxConns > 0 && cfg.Worker.Concurrency >= cfg.Database.MaxConns {
		return fmt.Errorf("worker concurrency (%d) must be smaller than database max_conns (%d)",
			cfg.Worker.Concurrency, cfg.Database.MaxConns)
	}
	if cfg.Worker.PoolMax <= 0 {
		return fmt.Errorf("worker pool_max must be positive: %d", cfg.Worker.PoolMax)
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be positive: %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Vector.BatchSize <= 0 || cfg.Vector.BatchSize > 100 {
		return fmt.Errorf("vector batch_size must be between 1 and 100: %d", cfg.Vector.BatchSize)
	}
	if cfg.Processing.ChunkOverlap >= cfg.Processing.ChunkSize {
		return fmt.Errorf("chunk overlap (%d) must be smaller than chunk size (%d)",
			cfg.Processing.ChunkOverlap, cfg.Processing.ChunkSize)
	}

	switch cfg.Vector.Backend {
	case "memory", "pgvector":
	case "http":
		if cfg.Vector.Endpoint == "" {
			return errors.New("vector.endpoint is required for the http backend")
		}
	default:
		return fmt.Errorf("unknown vector backend: %s", cfg.Vector.Backend)
	}

	switch cfg.Embedding.Provider {
	case "openai", "bedrock", "hash":
	default:
		return fmt.Errorf("unknown embedding provider: %s", cfg.Embedding.Provider)
	}

	switch cfg.Storage.Backend {
	case "local":
	case "s3":
		if cfg.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the s3 backend")
		}
		if cfg.Storage.UploadPartSize > 0 && cfg.Storage.UploadPartSize < minUploadPartSize {
			return fmt.Errorf("storage.upload_part_size must be at least %d bytes", minUploadPartSize)
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}

	return nil
}

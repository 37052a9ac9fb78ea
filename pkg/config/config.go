// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Redis, Kafka, Runner, Ingestion, Webhook,
// Schedule, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Runner    RunnerConfig    `yaml:"runner"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	// APIKeys guard the operator routes; empty disables the check.
	APIKeys []string `yaml:"apiKeys"`
}

// StorageConfig selects the persistence backend ("postgres" or "memory").
type StorageConfig struct {
	Type    string `yaml:"type"`
	Migrate bool   `yaml:"migrate"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings. An empty broker list
// disables event publishing and the webhook relay consumer.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	ContentIngested string `yaml:"contentIngested"`
	RunCompleted    string `yaml:"runCompleted"`
	WebhookRelay    string `yaml:"webhookRelay"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables the
// webhook dedup cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// RetryConfig bounds retries of runner API calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	MinWait     time.Duration `yaml:"minWait"`
	MaxWait     time.Duration `yaml:"maxWait"`
}

// RunnerConfig describes how to reach the actor runner's REST API.
type RunnerConfig struct {
	BaseURL           string        `yaml:"baseUrl"`
	Token             string        `yaml:"token"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	MaxWait           time.Duration `yaml:"maxWait"`
	PageSize          int           `yaml:"pageSize"`
	Retry             RetryConfig   `yaml:"retry"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// BreakerConfig controls the circuit breaker in front of the runner API.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// IngestionConfig controls item transformation and batch fan-out.
type IngestionConfig struct {
	MinContentLength    int  `yaml:"minContentLength"`
	OverwriteExisting   bool `yaml:"overwriteExisting"`
	BatchConcurrency    int  `yaml:"batchConcurrency"`
	DeriveSourceFromURL bool `yaml:"deriveSourceFromUrl"`
}

// WebhookConfig controls signature verification and the dedup cache.
type WebhookConfig struct {
	Secret   string        `yaml:"secret"`
	DedupTTL time.Duration `yaml:"dedupTTL"`
}

// ScheduleConfig controls remote schedule naming and the periodic sync loop.
type ScheduleConfig struct {
	NamePrefix   string        `yaml:"namePrefix"`
	Timezone     string        `yaml:"timezone"`
	SyncInterval time.Duration `yaml:"syncInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot start the service.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Runner.BaseURL == "" {
		return fmt.Errorf("runner.baseUrl is required")
	}
	if c.Schedule.NamePrefix == "" {
		return fmt.Errorf("schedule.namePrefix must not be empty")
	}
	if c.Ingestion.BatchConcurrency <= 0 {
		return fmt.Errorf("ingestion.batchConcurrency must be positive, got %d", c.Ingestion.BatchConcurrency)
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  4 * time.Minute,
		},
		Storage: StorageConfig{
			Type:    "postgres",
			Migrate: true,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ingestion",
			User:            "ingestion",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "ingestion-group",
			Topics: KafkaTopics{
				ContentIngested: "content.ingested",
				RunCompleted:    "run.completed",
				WebhookRelay:    "runner.webhooks",
			},
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Runner: RunnerConfig{
			BaseURL:           "https://api.apify.com",
			RequestTimeout:    30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
			PollInterval:      5 * time.Second,
			MaxWait:           30 * time.Minute,
			PageSize:          1000,
			Retry: RetryConfig{
				MaxAttempts: 3,
				MinWait:     1 * time.Second,
				MaxWait:     30 * time.Second,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Ingestion: IngestionConfig{
			MinContentLength:    100,
			BatchConcurrency:    4,
			DeriveSourceFromURL: true,
		},
		Webhook: WebhookConfig{
			DedupTTL: 24 * time.Hour,
		},
		Schedule: ScheduleConfig{
			NamePrefix:   "ingest-",
			Timezone:     "UTC",
			SyncInterval: 15 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads AIP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AIP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AIP_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("AIP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("AIP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("AIP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("AIP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("AIP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("AIP_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("AIP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("AIP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AIP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AIP_RUNNER_BASE_URL"); v != "" {
		cfg.Runner.BaseURL = v
	}
	if v := os.Getenv("AIP_RUNNER_TOKEN"); v != "" {
		cfg.Runner.Token = v
	}
	if v := os.Getenv("AIP_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("AIP_SERVER_API_KEYS"); v != "" {
		cfg.Server.APIKeys = strings.Split(v, ",")
	}
	if v := os.Getenv("AIP_SCHEDULE_NAME_PREFIX"); v != "" {
		cfg.Schedule.NamePrefix = v
	}
	if v := os.Getenv("AIP_INGESTION_OVERWRITE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Ingestion.OverwriteExisting = b
		}
	}
	if v := os.Getenv("AIP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AIP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

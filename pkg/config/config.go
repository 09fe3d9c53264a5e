// Package config loads and validates the scorer configuration from a YAML file
// with environment-variable overrides. It provides typed structs for every
// subsystem (Postgres, Scoring, Redis, Kafka, Metrics, Schedule, Dataset).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate when a required value is missing
// or out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the top-level application configuration.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Dataset  DatasetConfig  `yaml:"dataset"`
}

// PostgresConfig holds PostgreSQL connection parameters for the lead and
// event stores. URL, when set, takes precedence over the discrete fields.
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnectAttempts int           `yaml:"connectAttempts"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// ScoringConfig controls the batch pipeline.
type ScoringConfig struct {
	BatchSize int    `yaml:"batchSize"`
	ModelPath string `yaml:"modelPath"`
}

// RedisConfig holds the optional run-lock backend. An empty Addr disables
// the lock.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	LockKey  string        `yaml:"lockKey"`
	LockTTL  time.Duration `yaml:"lockTTL"`
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// KafkaConfig holds the optional scored-lead notification settings. An empty
// broker list disables publishing.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// Enabled reports whether at least one broker was configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// LoggingConfig controls logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls Prometheus exposure. PushURL is used by one-shot
// runs; Port is served in scheduled mode.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	PushURL string `yaml:"pushUrl"`
	Job     string `yaml:"job"`
}

// ScheduleConfig turns the process into a long-running scheduler when Cron
// is non-empty.
type ScheduleConfig struct {
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

// Enabled reports whether a cron spec was configured.
func (s ScheduleConfig) Enabled() bool { return s.Cron != "" }

// DatasetConfig controls the optional JSONL export of scored feature rows.
type DatasetConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

// Enabled reports whether a dataset file was configured.
func (d DatasetConfig) Enabled() bool { return d.File != "" }

// Load reads a .env file (if present), then a YAML config file (if provided),
// and applies environment-variable overrides. It returns a validated Config
// populated with defaults for any missing values.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

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

// MinLockTTL is the shortest run-lock ttl accepted. The lock is extended
// every third of its ttl.
const MinLockTTL = 3 * time.Second

// Validate checks the values the pipeline cannot run without.
func (c *Config) Validate() error {
	if c.Scoring.BatchSize <= 0 {
		return fmt.Errorf("%w: scoring.batchSize must be positive, got %d", ErrInvalidConfig, c.Scoring.BatchSize)
	}
	if c.Scoring.ModelPath == "" {
		return fmt.Errorf("%w: scoring.modelPath must be set", ErrInvalidConfig)
	}
	if c.Postgres.URL == "" && c.Postgres.Host == "" {
		return fmt.Errorf("%w: postgres.url or postgres.host must be set", ErrInvalidConfig)
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("%w: kafka.topic must be set when brokers are configured", ErrInvalidConfig)
	}
	if c.Redis.Enabled() && c.Redis.LockTTL < MinLockTTL {
		return fmt.Errorf("%w: redis.lockTTL must be at least %s, got %s", ErrInvalidConfig, MinLockTTL, c.Redis.LockTTL)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "insightos",
			User:            "insightos",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 1,
		},
		Scoring: ScoringConfig{
			BatchSize: 100,
			ModelPath: "models/lead_scoring_pipeline_v1.json",
		},
		Redis: RedisConfig{
			PoolSize: 2,
			LockKey:  "leadscore:run-lock",
			LockTTL:  30 * time.Minute,
		},
		Kafka: KafkaConfig{
			Topic:          "lead-scored",
			PublishTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Job:     "leadscore",
		},
		Schedule: ScheduleConfig{
			Timezone: "UTC",
		},
		Dataset: DatasetConfig{
			MaxSizeMB:  100,
			MaxBackups: 20,
		},
	}
}

// applyEnvOverrides reads LS_* environment variables (and DATABASE_URL) and
// overrides the corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("LS_POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("LS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("LS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("LS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("LS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("LS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("LS_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("LS_POSTGRES_CONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.ConnectAttempts = n
		}
	}
	if v := os.Getenv("LS_SCORING_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scoring.BatchSize = n
		}
	}
	if v := os.Getenv("LS_SCORING_MODEL_PATH"); v != "" {
		cfg.Scoring.ModelPath = v
	}
	if v := os.Getenv("LS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("LS_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("LS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LS_METRICS_PUSH_URL"); v != "" {
		cfg.Metrics.PushURL = v
	}
	if v := os.Getenv("LS_SCHEDULE_CRON"); v != "" {
		cfg.Schedule.Cron = v
	}
	if v := os.Getenv("LS_DATASET_FILE"); v != "" {
		cfg.Dataset.File = v
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	DatabaseDriver string `env:"DATABASE_DRIVER,default=postgres"`
	DatabaseDSN    string `env:"DATABASE_DSN,required=true"`
	RedisURL       string `env:"REDIS_URL"`
	RabbitMQURL    string `env:"RABBITMQ_URL"`
	Project        string `env:"PROJECT,default=default"`
	MigrationsDir  string `env:"MIGRATIONS_DIR"`

	WorkerConcurrency    int `env:"WORKER_CONCURRENCY,default=4"`
	PollIntervalMS       int `env:"POLL_INTERVAL_MS,default=1000"`
	ClaimLeaseSeconds    int `env:"CLAIM_LEASE_SECONDS,default=300"`
	HeartbeatSeconds     int `env:"HEARTBEAT_INTERVAL_SECONDS,default=30"`
	BatchTimeoutSeconds  int `env:"BATCH_TIMEOUT_SECONDS,default=120"`
	MaxAttempts          int `env:"MAX_ATTEMPTS,default=5"`
	RetryBaseDelayMS     int `env:"RETRY_BASE_DELAY_MS,default=1000"`
	RetryMaxDelayMS      int `env:"RETRY_MAX_DELAY_MS,default=60000"`
	PartitionChunk       int `env:"PARTITION_CHUNK,default=1000"`
	BatchRateLimitPerSec int `env:"BATCH_RATE_LIMIT_PER_SEC,default=0"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("DATABASE_DSN must not be empty")
	}
	if strings.TrimSpace(c.Project) == "" {
		return fmt.Errorf("PROJECT must not be empty")
	}
	if c.BatchRateLimitPerSec > 0 && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required when BATCH_RATE_LIMIT_PER_SEC is set")
	}
	if c.HeartbeatSeconds >= c.ClaimLeaseSeconds {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS (%d) must be shorter than CLAIM_LEASE_SECONDS (%d)",
			c.HeartbeatSeconds, c.ClaimLeaseSeconds)
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) ClaimLease() time.Duration {
	return time.Duration(c.ClaimLeaseSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutSeconds) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

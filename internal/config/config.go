// Package config assembles and validates the resolved Config record
// consumed by every other component. Load reads environment variables
// once at startup; validator struct tags enforce the option
// constraints and any violation surfaces as errs.ErrConfigInvalid.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gorax/flowqueue/internal/errs"
	"github.com/gorax/flowqueue/internal/store"
)

// PoolConfig resolves one store's pool.* option group.
type PoolConfig struct {
	DSN            string        `validate:"required"`
	Size           int           `validate:"required,min=1"`
	MaxOverflow    int           `validate:"min=0"`
	AcquireTimeout time.Duration `validate:"required,min=1ms"`
	MaxLifetime    time.Duration `validate:"required,min=1s"`
}

// Config is the single typed record every core component accepts; it
// is never reconstructed from raw environment variables inside the
// core.
type Config struct {
	QueueStore  PoolConfig  `validate:"required"`
	SourceStore *PoolConfig `validate:"omitempty"`

	QueryTimeout time.Duration `validate:"required,min=1ms"`

	FlowName     string        `validate:"required"`
	BatchSize    int           `validate:"required,min=1,max=1000"`
	MaxInflight  int           `validate:"required,min=1"`
	IdleBackoff  time.Duration `validate:"required,min=1ms"`
	ReapInterval time.Duration `validate:"required,min=1s"`
	OrphanTimeout time.Duration `validate:"required,min=1s,gtfield=ReapInterval"`
	MaxRetries   int           `validate:"min=0"`
	ShutdownGrace time.Duration `validate:"required,min=0"`

	// ResetFailedInterval enables the worker loop's unattended
	// reset-failed sweep. Zero (the default) leaves failed records
	// alone until an operator resets them explicitly; a positive
	// interval recycles records with retry_count below max_retries on
	// that cadence. Instances of the same flow that all enable it
	// contend on the same rows.
	ResetFailedInterval time.Duration `validate:"min=0"`
}

// QueueStorePool converts the resolved queue_store pool config to the
// store package's connection-level type.
func (c *Config) QueueStorePool() store.PoolConfig {
	return store.PoolConfig{
		DSN:            c.QueueStore.DSN,
		Driver:         store.DriverPostgres,
		Size:           c.QueueStore.Size,
		MaxOverflow:    c.QueueStore.MaxOverflow,
		AcquireTimeout: c.QueueStore.AcquireTimeout,
		MaxLifetime:    c.QueueStore.MaxLifetime,
	}
}

// SourceStorePool converts the resolved source_store pool config, or
// returns nil when no source_store is configured; the source store is
// optional.
func (c *Config) SourceStorePool() *store.PoolConfig {
	if c.SourceStore == nil {
		return nil
	}
	return &store.PoolConfig{
		DSN:            c.SourceStore.DSN,
		Driver:         store.DriverMySQL,
		Size:           c.SourceStore.Size,
		MaxOverflow:    c.SourceStore.MaxOverflow,
		AcquireTimeout: c.SourceStore.AcquireTimeout,
		MaxLifetime:    c.SourceStore.MaxLifetime,
	}
}

// Load assembles Config from the process environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		QueueStore: PoolConfig{
			DSN:            getEnv("QUEUE_STORE_DSN", ""),
			Size:           getEnvAsInt("QUEUE_STORE_POOL_SIZE", 10),
			MaxOverflow:    getEnvAsInt("QUEUE_STORE_POOL_MAX_OVERFLOW", 5),
			AcquireTimeout: getEnvAsDuration("QUEUE_STORE_POOL_ACQUIRE_TIMEOUT", 5*time.Second),
			MaxLifetime:    getEnvAsDuration("QUEUE_STORE_POOL_MAX_LIFETIME", 30*time.Minute),
		},
		QueryTimeout:  getEnvAsDuration("QUERY_TIMEOUT", 10*time.Second),
		FlowName:      getEnv("FLOW_NAME", ""),
		BatchSize:     getEnvAsInt("BATCH_SIZE", 10),
		MaxInflight:   getEnvAsInt("MAX_INFLIGHT", 10),
		IdleBackoff:   getEnvAsDuration("IDLE_BACKOFF", 500*time.Millisecond),
		ReapInterval:  getEnvAsDuration("REAP_INTERVAL", 30*time.Second),
		OrphanTimeout: getEnvAsDuration("ORPHAN_TIMEOUT", 5*time.Minute),
		MaxRetries:          getEnvAsInt("MAX_RETRIES", 5),
		ShutdownGrace:       getEnvAsDuration("SHUTDOWN_GRACE", 20*time.Second),
		ResetFailedInterval: getEnvAsDuration("RESET_FAILED_INTERVAL", 0),
	}

	if dsn := getEnv("SOURCE_STORE_DSN", ""); dsn != "" {
		cfg.SourceStore = &PoolConfig{
			DSN:            dsn,
			Size:           getEnvAsInt("SOURCE_STORE_POOL_SIZE", 5),
			MaxOverflow:    getEnvAsInt("SOURCE_STORE_POOL_MAX_OVERFLOW", 2),
			AcquireTimeout: getEnvAsDuration("SOURCE_STORE_POOL_ACQUIRE_TIMEOUT", 5*time.Second),
			MaxLifetime:    getEnvAsDuration("SOURCE_STORE_POOL_MAX_LIFETIME", 30*time.Minute),
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfigInvalid, err)
	}

	return cfg, nil
}

var validate = validator.New()

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

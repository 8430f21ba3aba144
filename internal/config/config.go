// Package config loads the YAML configuration of a stepflow deployment:
// which storage and queue backends to open, default retry and lease
// settings, worker count and logging.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// StorageConfig selects the snapshot storage backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file name or URI for sqlite, a connection string for
	// postgres, a redis:// URL or a mongodb:// URI.
	DSN string `yaml:"dsn,omitempty"`
	// Prefix namespaces redis keys.
	Prefix string `yaml:"prefix,omitempty"`
	// Database names the mongo database.
	Database string `yaml:"database,omitempty"`
}

// QueueConfig selects the task queue backend and the worker retry policy.
// Durable queues share the storage connection, so a sqlite, postgres, redis
// or mongo queue needs the matching storage driver.
type QueueConfig struct {
	Driver      string        `yaml:"driver"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty"`
}

// RetryConfig is the default step retry policy of workflows.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Delay      time.Duration `yaml:"delay"`
	MaxDelay   time.Duration `yaml:"max_delay,omitempty"`
	Multiplier float64       `yaml:"multiplier,omitempty"`
}

// LogConfig configures the slog handler built by NewLogger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// LeaseConfig configures run and task leases.
type LeaseConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// Config models a stepflow YAML file.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Retry   RetryConfig   `yaml:"retry"`
	Log     LogConfig     `yaml:"log"`
	Lease   LeaseConfig   `yaml:"lease"`
	Workers int           `yaml:"workers"`
}

const defaultConfigYAML = `# stepflow configuration
storage:
  driver: memory
queue:
  driver: memory
  max_attempts: 3
  backoff: 1s
retry:
  attempts: 0
  delay: 0s
log:
  level: info
  format: json
lease:
  ttl: 30s
workers: 1
`

// Default returns the configuration used when no file exists.
func Default() Config {
	cfg, err := Parse([]byte(defaultConfigYAML))
	if err != nil {
		panic(fmt.Sprintf("config: default configuration is invalid: %v", err))
	}
	return cfg
}

// DefaultYAML returns the default configuration as a commented YAML document.
func DefaultYAML() string { return defaultConfigYAML }

// Parse decodes YAML data, fills unset fields and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads and parses path. A missing file yields Default.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Normalized returns a copy with empty fields set to their defaults and
// names lower-cased.
func (c Config) Normalized() Config {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Driver == DriverMongo && c.Storage.Database == "" {
		c.Storage.Database = "stepflow"
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverMemory
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 1
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Lease.TTL <= 0 {
		c.Lease.TTL = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
		if c.Queue.Driver != c.Storage.Driver {
			return fmt.Errorf("config: queue.driver %q needs storage.driver %q", c.Queue.Driver, c.Queue.Driver)
		}
	default:
		return fmt.Errorf("config: unknown queue.driver %q", c.Queue.Driver)
	}

	if c.Queue.Backoff < 0 || c.Queue.MaxBackoff < 0 {
		return errors.New("config: queue backoff must not be negative")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	if c.Retry.Delay < 0 || c.Retry.MaxDelay < 0 {
		return errors.New("config: retry delays must not be negative")
	}
	if c.Retry.Multiplier < 0 {
		return errors.New("config: retry.multiplier must not be negative")
	}

	if _, ok := parseLevel(c.Log.Level); !ok {
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

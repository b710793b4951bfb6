// Package config loads the process-level configuration of a pupstore
// deployment: which backend to open and how to tune it.
//
// Values come from an optional YAML file and are then overridden by
// PUPSTORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/getpup/pupstore/es/notify"
)

// Backend names a store implementation.
type Backend string

// Supported backends.
const (
	Memory   Backend = "memory"
	File     Backend = "file"
	Postgres Backend = "postgres"
	MySQL    Backend = "mysql"
	SQLite   Backend = "sqlite"
)

// ErrInvalidConfig indicates a configuration that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full configuration surface.
type Config struct {
	Backend Backend `yaml:"backend" env:"PUPSTORE_BACKEND"`

	File   FileConfig   `yaml:"file"`
	SQL    SQLConfig    `yaml:"sql"`
	Notify NotifyConfig `yaml:"notify"`

	// LogLevel is debug, info or error.
	LogLevel string `yaml:"log_level" env:"PUPSTORE_LOG_LEVEL"`

	// OTelEndpoint is the OTLP/HTTP collector endpoint. Empty disables tracing.
	OTelEndpoint string `yaml:"otel_endpoint" env:"PUPSTORE_OTEL_ENDPOINT"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	Dir string `yaml:"dir" env:"PUPSTORE_FILE_DIR"`
}

// SQLConfig configures the SQL backends. For SQLite, DSN is the database file path.
type SQLConfig struct {
	DSN           string        `yaml:"dsn" env:"PUPSTORE_SQL_DSN"`
	Channel       string        `yaml:"channel" env:"PUPSTORE_NOTIFY_CHANNEL"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"PUPSTORE_POLL_INTERVAL"`
	GapTimeout    time.Duration `yaml:"gap_timeout" env:"PUPSTORE_GAP_TIMEOUT"`
	EventsTable   string        `yaml:"events_table" env:"PUPSTORE_EVENTS_TABLE"`
	MigrateOnOpen bool          `yaml:"migrate_on_open" env:"PUPSTORE_MIGRATE_ON_OPEN"`
}

// NotifyConfig tunes live delivery.
type NotifyConfig struct {
	Capacity          int           `yaml:"capacity" env:"PUPSTORE_NOTIFY_CAPACITY"`
	BackoffInitial    time.Duration `yaml:"backoff_initial" env:"PUPSTORE_BACKOFF_INITIAL"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"PUPSTORE_BACKOFF_MULTIPLIER"`
	BackoffMax        time.Duration `yaml:"backoff_max" env:"PUPSTORE_BACKOFF_MAX"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	b := notify.DefaultBackoff()
	return Config{
		Backend: Memory,
		File:    FileConfig{Dir: "./data"},
		SQL: SQLConfig{
			Channel:      "pupstore_events",
			PollInterval: 250 * time.Millisecond,
			GapTimeout:   5 * time.Second,
			EventsTable:  "events",
		},
		Notify: NotifyConfig{
			Capacity:          notify.DefaultCapacity,
			BackoffInitial:    b.Initial,
			BackoffMultiplier: b.Multiplier,
			BackoffMax:        b.Max,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path, if path is not empty, over the defaults
// and applies environment overrides.
func Load(path string) (Config, error) {
	return LoadWithOptions(path, env.Options{})
}

// LoadWithOptions is Load with explicit env parsing options, so callers can
// supply the environment instead of reading the process's.
func LoadWithOptions(path string, opts env.Options) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can open a store.
func (c Config) Validate() error {
	switch c.Backend {
	case Memory:
	case File:
		if strings.TrimSpace(c.File.Dir) == "" {
			return fmt.Errorf("%w: file backend requires a directory", ErrInvalidConfig)
		}
	case Postgres, MySQL, SQLite:
		if strings.TrimSpace(c.SQL.DSN) == "" {
			return fmt.Errorf("%w: %s backend requires a dsn", ErrInvalidConfig, c.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.Notify.Capacity <= 0 {
		return fmt.Errorf("%w: notify capacity must be positive", ErrInvalidConfig)
	}
	if err := c.Backoff().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Backoff returns the delivery retry schedule.
func (c Config) Backoff() notify.Backoff {
	return notify.Backoff{
		Initial:    c.Notify.BackoffInitial,
		Multiplier: c.Notify.BackoffMultiplier,
		Max:        c.Notify.BackoffMax,
	}
}

// NotifyEngine returns the notification engine configuration.
func (c Config) NotifyEngine() notify.Config {
	return notify.NewConfig(
		notify.WithCapacity(c.Notify.Capacity),
		notify.WithBackoff(c.Backoff()),
	)
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, level)
	}
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pupstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithOptions("", env.Options{Environment: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, Memory, cfg.Backend)
	assert.Equal(t, 512, cfg.Notify.Capacity)
	assert.Equal(t, 100*time.Millisecond, cfg.Notify.BackoffInitial)
	assert.Equal(t, 1.5, cfg.Notify.BackoffMultiplier)
	assert.Equal(t, 30*time.Second, cfg.Notify.BackoffMax)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
backend: postgres
sql:
  dsn: postgres://localhost/events
  poll_interval: 1s
  gap_timeout: 2s
notify:
  capacity: 64
log_level: debug
`)
	cfg, err := LoadWithOptions(path, env.Options{Environment: map[string]string{
		"PUPSTORE_NOTIFY_CAPACITY": "128",
		"PUPSTORE_BACKOFF_MAX":     "10s",
	}})
	require.NoError(t, err)

	assert.Equal(t, Postgres, cfg.Backend)
	assert.Equal(t, "postgres://localhost/events", cfg.SQL.DSN)
	assert.Equal(t, time.Second, cfg.SQL.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.SQL.GapTimeout)
	assert.Equal(t, "pupstore_events", cfg.SQL.Channel, "unset keys keep defaults")
	assert.Equal(t, 128, cfg.Notify.Capacity, "env overrides file")
	assert.Equal(t, 10*time.Second, cfg.Notify.BackoffMax)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_ProcessEnvironment(t *testing.T) {
	t.Setenv("PUPSTORE_BACKEND", "file")
	t.Setenv("PUPSTORE_FILE_DIR", "/var/lib/pupstore")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, File, cfg.Backend)
	assert.Equal(t, "/var/lib/pupstore", cfg.File.Dir)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadWithOptions(writeFile(t, "backend: [oops"), env.Options{Environment: map[string]string{}})
	assert.Error(t, err)

	_, err = LoadWithOptions("", env.Options{Environment: map[string]string{"PUPSTORE_NOTIFY_CAPACITY": "many"}})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "cassandra" }},
		{"file without dir", func(c *Config) { c.Backend = File; c.File.Dir = " " }},
		{"sql without dsn", func(c *Config) { c.Backend = SQLite }},
		{"zero capacity", func(c *Config) { c.Notify.Capacity = 0 }},
		{"multiplier not above one", func(c *Config) { c.Notify.BackoffMultiplier = 1 }},
		{"max below initial", func(c *Config) { c.Notify.BackoffMax = time.Millisecond }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNotifyEngine(t *testing.T) {
	cfg := Default()
	cfg.Notify.Capacity = 7
	n := cfg.NotifyEngine()
	assert.Equal(t, 7, n.Capacity)
	assert.Equal(t, cfg.Backoff(), n.Backoff)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

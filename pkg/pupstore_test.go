package pupstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/config"
	"github.com/getpup/pupstore/es/store"
	pupstore "github.com/getpup/pupstore/pkg"
)

func TestVersion(t *testing.T) {
	version := pupstore.Version()
	if version == "" {
		t.Error("Version() should return a non-empty string")
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"memory", func(c *config.Config) {}},
		{"file", func(c *config.Config) {
			c.Backend = config.File
			c.File.Dir = filepath.Join(dir, "streams")
		}},
		{"sqlite", func(c *config.Config) {
			c.Backend = config.SQLite
			c.SQL.DSN = filepath.Join(dir, "events.db")
			c.SQL.MigrateOnOpen = true
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			ctx := context.Background()

			s, err := pupstore.Open[string](ctx, cfg, codec.JSON[string]{}, es.NoOpLogger{})
			require.NoError(t, err)

			_, err = s.Append(ctx, es.Start("order-1"), "created", "paid")
			require.NoError(t, err)
			events, err := store.Collect(s.Read(ctx, es.Start("order-1")))
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, "paid", events[1].Payload)

			require.NoError(t, s.Close())
			_, err = s.Append(ctx, es.At("order-1", 2), "shipped")
			assert.ErrorIs(t, err, store.ErrClosed)
		})
	}
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = config.Postgres

	_, err := pupstore.Open[string](context.Background(), cfg, codec.JSON[string]{}, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

// Package integration_test contains integration tests for projections.
// These tests require a running PostgreSQL instance.
//
// Run with: go test -tags=integration ./es/projection/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters/postgres"
	"github.com/getpup/pupstore/es/adapters/sqlstore"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/migrations"
	"github.com/getpup/pupstore/es/projection"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getenv("POSTGRES_HOST", "localhost"),
		getenv("POSTGRES_PORT", "5432"),
		getenv("POSTGRES_USER", "postgres"),
		getenv("POSTGRES_PASSWORD", "postgres"),
		getenv("POSTGRES_DB", "pupstore_test"))
}

func setup(t *testing.T) (*sql.DB, *sqlstore.Store[string]) {
	t.Helper()
	ctx := context.Background()

	db, err := postgres.Open(ctx, testDSN())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`DROP TABLE IF EXISTS projection_checkpoints, events CASCADE`)
	require.NoError(t, err)
	config := migrations.DefaultConfig()
	require.NoError(t, migrations.Apply(ctx, db, migrations.Postgres, &config))

	s, err := postgres.NewStore[string](ctx, db, testDSN(), codec.JSON[string]{}, sqlstore.DefaultStoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return db, s
}

type testProjection struct {
	name   string
	failOn string

	mu     sync.Mutex
	events []es.StoredEvent[string]
}

func (p *testProjection) Name() string {
	return p.name
}

func (p *testProjection) Handle(_ context.Context, event es.StoredEvent[string]) error {
	if event.Payload == p.failOn {
		return errors.New("intentional error")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *testProjection) EventCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestProjection_BasicProcessing(t *testing.T) {
	db, s := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Append(ctx, es.Start("order-1"), "created", "paid")
	require.NoError(t, err)

	config := projection.DefaultProcessorConfig()
	config.Streams = []es.StreamID{"order-1", "order-2"}
	proc := projection.NewProcessor[string](s, sqlstore.NewCheckpoints(db, postgres.Dialect{}, ""), config)
	proj := &testProjection{name: "orders"}

	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx, proj) }()

	require.Eventually(t, func() bool { return proj.EventCount() == 2 }, 5*time.Second, 20*time.Millisecond)

	_, err = s.Append(ctx, es.Start("order-2"), "created")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return proj.EventCount() == 3 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestProjection_Checkpoint(t *testing.T) {
	db, s := setup(t)
	ctx := context.Background()
	checkpoints := sqlstore.NewCheckpoints(db, postgres.Dialect{}, "")

	_, err := s.Append(ctx, es.Start("order-1"), "a", "b", "c")
	require.NoError(t, err)

	config := projection.DefaultProcessorConfig()
	config.Streams = []es.StreamID{"order-1"}

	first := &testProjection{name: "orders"}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- projection.NewProcessor[string](s, checkpoints, config).Run(runCtx, first) }()
	require.Eventually(t, func() bool { return first.EventCount() == 3 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	var stored int64
	require.NoError(t, db.QueryRow(
		`SELECT event_number FROM projection_checkpoints WHERE projection_name = $1 AND stream_id = $2`,
		"orders", "order-1").Scan(&stored))
	assert.Equal(t, int64(3), stored)

	_, err = s.Append(ctx, es.At("order-1", 3), "d")
	require.NoError(t, err)

	second := &testProjection{name: "orders"}
	runCtx, cancel = context.WithCancel(ctx)
	go func() { done <- projection.NewProcessor[string](s, checkpoints, config).Run(runCtx, second) }()
	require.Eventually(t, func() bool { return second.EventCount() == 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, "d", second.events[0].Payload)
}

func TestProjection_ErrorHandling(t *testing.T) {
	db, s := setup(t)
	ctx := context.Background()

	_, err := s.Append(ctx, es.Start("order-1"), "ok", "bad", "never")
	require.NoError(t, err)

	config := projection.DefaultProcessorConfig()
	config.Streams = []es.StreamID{"order-1"}
	checkpoints := sqlstore.NewCheckpoints(db, postgres.Dialect{}, "")
	proj := &testProjection{name: "orders", failOn: "bad"}

	err = projection.NewProcessor[string](s, checkpoints, config).Run(ctx, proj)
	require.ErrorIs(t, err, projection.ErrProjectionStopped)
	assert.Equal(t, 1, proj.EventCount())

	pos, err := checkpoints.Load(ctx, "orders", "order-1")
	require.NoError(t, err)
	assert.Equal(t, es.At("order-1", 1), pos)
}

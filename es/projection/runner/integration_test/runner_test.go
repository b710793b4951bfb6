// Package integration_test contains integration tests for the runner package.
// They use the file backend and need no external services.
//
// Run with: go test -tags=integration ./es/projection/runner/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters/file"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/projection"
	"github.com/getpup/pupstore/es/projection/runner"
)

type countingProjection struct {
	name  string
	count atomic.Int64
}

func (p *countingProjection) Name() string {
	return p.name
}

func (p *countingProjection) Handle(_ context.Context, _ es.StoredEvent[string]) error {
	p.count.Add(1)
	return nil
}

type failingProjection struct {
	after int64
	count atomic.Int64
}

func (p *failingProjection) Name() string {
	return "failing"
}

func (p *failingProjection) Handle(_ context.Context, _ es.StoredEvent[string]) error {
	if p.count.Add(1) > p.after {
		return errors.New("intentional failure")
	}
	return nil
}

func seed(t *testing.T, s *file.Store[string], streams, perStream int) []es.StreamID {
	t.Helper()
	var ids []es.StreamID
	for i := 0; i < streams; i++ {
		id := es.StreamID(fmt.Sprintf("order-%d", i))
		ids = append(ids, id)
		payloads := make([]string, perStream)
		for j := range payloads {
			payloads[j] = fmt.Sprintf("event-%d", j)
		}
		_, err := s.Append(context.Background(), es.Start(id), payloads...)
		require.NoError(t, err)
	}
	return ids
}

func openStore(t *testing.T, dir string) *file.Store[string] {
	t.Helper()
	s, err := file.NewStore[string](dir, codec.JSON[string]{}, file.DefaultStoreConfig())
	require.NoError(t, err)
	return s
}

func TestRunProjectionPartitions(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	config := projection.DefaultProcessorConfig()
	config.Streams = seed(t, s, 10, 5)

	proj := &countingProjection{name: "counter"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runner.RunProjectionPartitions[string](ctx, s, projection.NewMemoryCheckpoints(), proj, config, 4)
	}()

	require.Eventually(t, func() bool { return proj.count.Load() == 50 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunMultipleProjectionsResumeAfterRestart(t *testing.T) {
	dir := t.TempDir()
	checkpoints := projection.NewMemoryCheckpoints()

	s := openStore(t, dir)
	config := projection.DefaultProcessorConfig()
	config.Streams = seed(t, s, 3, 4)

	run := func(s *file.Store[string], want int64) {
		a := &countingProjection{name: "a"}
		b := &countingProjection{name: "b"}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- runner.New[string](nil).Run(ctx, []runner.ProjectionRunner[string]{
				{Projection: a, Processor: projection.NewProcessor[string](s, checkpoints, config)},
				{Projection: b, Processor: projection.NewProcessor[string](s, checkpoints, config)},
			})
		}()
		require.Eventually(t, func() bool {
			return a.count.Load() == want && b.count.Load() == want
		}, 5*time.Second, 10*time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	}

	run(s, 12)
	_, err := s.Append(context.Background(), es.At("order-0", 4), "late")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openStore(t, dir)
	defer reopened.Close()
	run(reopened, 1)
}

func TestRunnerErrorHandling(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	config := projection.DefaultProcessorConfig()
	config.Streams = seed(t, s, 2, 5)

	healthy := &countingProjection{name: "healthy"}
	failing := &failingProjection{after: 3}

	err := runner.New[string](nil).Run(context.Background(), []runner.ProjectionRunner[string]{
		{Projection: healthy, Processor: projection.NewProcessor[string](s, projection.NewMemoryCheckpoints(), config)},
		{Projection: failing, Processor: projection.NewProcessor[string](s, projection.NewMemoryCheckpoints(), config)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, projection.ErrProjectionStopped)
	assert.Contains(t, err.Error(), `projection "failing" failed`)
}

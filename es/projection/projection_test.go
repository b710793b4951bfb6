package projection_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters/memory"
	"github.com/getpup/pupstore/es/projection"
)

// recordingProjection collects handled payloads per stream.
type recordingProjection struct {
	name   string
	failAt string

	mu   sync.Mutex
	seen map[es.StreamID][]string
	hit  chan struct{}
}

func newRecordingProjection(name string) *recordingProjection {
	return &recordingProjection{
		name: name,
		seen: make(map[es.StreamID][]string),
		hit:  make(chan struct{}, 64),
	}
}

func (p *recordingProjection) Name() string {
	return p.name
}

func (p *recordingProjection) Handle(_ context.Context, event es.StoredEvent[string]) error {
	if event.Payload == p.failAt {
		return errors.New("mock projection error")
	}
	p.mu.Lock()
	p.seen[event.StreamID()] = append(p.seen[event.StreamID()], event.Payload)
	p.mu.Unlock()
	p.hit <- struct{}{}
	return nil
}

func (p *recordingProjection) events(id es.StreamID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen[id]...)
}

func (p *recordingProjection) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.hit:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d events", i, n)
		}
	}
}

func TestProcessor_FollowsHistoryThenLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := memory.NewStore[string](memory.DefaultStoreConfig())
	defer s.Close()
	_, err := s.Append(ctx, es.Start("orders"), "o0", "o1")
	require.NoError(t, err)

	checkpoints := projection.NewMemoryCheckpoints()
	config := projection.DefaultProcessorConfig()
	config.Streams = []es.StreamID{"orders", "users"}
	proc := projection.NewProcessor[string](s, checkpoints, config)
	proj := newRecordingProjection("summary")

	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx, proj) }()

	proj.wait(t, 2)
	_, err = s.Append(ctx, es.At("orders", 2), "o2")
	require.NoError(t, err)
	_, err = s.Append(ctx, es.Start("users"), "u0")
	require.NoError(t, err)
	proj.wait(t, 2)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"o0", "o1", "o2"}, proj.events("orders"))
	assert.Equal(t, []string{"u0"}, proj.events("users"))

	pos, err := checkpoints.Load(context.Background(), "summary", "orders")
	require.NoError(t, err)
	assert.Equal(t, es.At("orders", 3), pos)
}

func TestProcessor_ResumesFromCheckpoint(t *testing.T) {
	s := memory.NewStore[string](memory.DefaultStoreConfig())
	defer s.Close()
	_, err := s.Append(context.Background(), es.Start("orders"), "o0", "o1", "o2")
	require.NoError(t, err)

	checkpoints := projection.NewMemoryCheckpoints()
	require.NoError(t, checkpoints.Save(context.Background(), "summary", es.At("orders", 2)))

	config := projection.DefaultProcessorConfig()
	config.Streams = []es.StreamID{"orders"}
	proc := projection.NewProcessor[string](s, checkpoints, config)
	proj := newRecordingProjection("summary")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx, proj) }()

	proj.wait(t, 1)
	cancel()
	<-done
	assert.Equal(t, []string{"o2"}, proj.events("orders"))
}

func TestProcessor_HandlerErrorStops(t *testing.T) {
	s := memory.NewStore[string](memory.DefaultStoreConfig())
	defer s.Close()
	_, err := s.Append(context.Background(), es.Start("orders"), "o0", "bad", "o2")
	require.NoError(t, err)

	checkpoints := projection.NewMemoryCheckpoints()
	config := projection.DefaultProcessorConfig()
	config.Streams = []es.StreamID{"orders"}
	proc := projection.NewProcessor[string](s, checkpoints, config)
	proj := newRecordingProjection("summary")
	proj.failAt = "bad"

	err = proc.Run(context.Background(), proj)
	require.ErrorIs(t, err, projection.ErrProjectionStopped)

	// The event before the failure stays checkpointed.
	pos, err := checkpoints.Load(context.Background(), "summary", "orders")
	require.NoError(t, err)
	assert.Equal(t, es.At("orders", 1), pos)
}

func TestProcessor_CheckpointEverySavesOnExit(t *testing.T) {
	s := memory.NewStore[string](memory.DefaultStoreConfig())
	defer s.Close()
	_, err := s.Append(context.Background(), es.Start("orders"), "o0", "o1", "o2")
	require.NoError(t, err)

	checkpoints := projection.NewMemoryCheckpoints()
	config := projection.DefaultProcessorConfig()
	config.Streams = []es.StreamID{"orders"}
	config.CheckpointEvery = 10
	proc := projection.NewProcessor[string](s, checkpoints, config)
	proj := newRecordingProjection("summary")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx, proj) }()
	proj.wait(t, 3)

	pos, err := checkpoints.Load(context.Background(), "summary", "orders")
	require.NoError(t, err)
	assert.Equal(t, es.Start("orders"), pos, "batched checkpoint written early")

	cancel()
	<-done
	pos, err = checkpoints.Load(context.Background(), "summary", "orders")
	require.NoError(t, err)
	assert.Equal(t, es.At("orders", 3), pos)
}

func TestProcessor_Validation(t *testing.T) {
	s := memory.NewStore[string](memory.DefaultStoreConfig())
	defer s.Close()
	proj := newRecordingProjection("summary")

	config := projection.DefaultProcessorConfig()
	err := projection.NewProcessor[string](s, projection.NewMemoryCheckpoints(), config).Run(context.Background(), proj)
	assert.ErrorIs(t, err, projection.ErrNoStreams)

	config.Streams = []es.StreamID{"orders"}
	config.PartitionKey = 2
	config.TotalPartitions = 2
	err = projection.NewProcessor[string](s, projection.NewMemoryCheckpoints(), config).Run(context.Background(), proj)
	assert.ErrorIs(t, err, projection.ErrInvalidPartitionConfig)

	config.PartitionKey = 0
	config.TotalPartitions = 0
	err = projection.NewProcessor[string](s, projection.NewMemoryCheckpoints(), config).Run(context.Background(), proj)
	assert.ErrorIs(t, err, projection.ErrInvalidPartitionConfig)
}

func TestProcessor_OwnedSplitsStreams(t *testing.T) {
	s := memory.NewStore[string](memory.DefaultStoreConfig())
	defer s.Close()

	var streams []es.StreamID
	for i := 0; i < 50; i++ {
		streams = append(streams, es.StreamID(fmt.Sprintf("stream-%d", i)))
	}

	seen := make(map[es.StreamID]int)
	for key := 0; key < 3; key++ {
		config := projection.DefaultProcessorConfig()
		config.Streams = streams
		config.PartitionKey = key
		config.TotalPartitions = 3
		for _, id := range projection.NewProcessor[string](s, projection.NewMemoryCheckpoints(), config).Owned() {
			seen[id]++
		}
	}
	assert.Len(t, seen, len(streams))
	for id, n := range seen {
		assert.Equal(t, 1, n, "stream %s owned by %d partitions", id, n)
	}
}

func TestMemoryCheckpoints(t *testing.T) {
	c := projection.NewMemoryCheckpoints()
	ctx := context.Background()

	pos, err := c.Load(ctx, "p", "a")
	require.NoError(t, err)
	assert.Equal(t, es.Start("a"), pos)

	require.NoError(t, c.Save(ctx, "p", es.At("a", 4)))
	pos, err = c.Load(ctx, "p", "a")
	require.NoError(t, err)
	assert.Equal(t, es.At("a", 4), pos)

	pos, err = c.Load(ctx, "other", "a")
	require.NoError(t, err)
	assert.Equal(t, es.Start("a"), pos)
}

func TestHashPartitionStrategy_SinglePartition(t *testing.T) {
	strategy := projection.HashPartitionStrategy{}

	// With single partition, all streams should be processed
	id := es.StreamID(uuid.New().String())

	if !strategy.ShouldProcess(id, 0, 1) {
		t.Error("Single partition should process all streams")
	}
}

func TestHashPartitionStrategy_MultiplePartitions(t *testing.T) {
	strategy := projection.HashPartitionStrategy{}
	totalPartitions := 4

	// Test that each stream ID maps to exactly one partition
	for i := 0; i < 100; i++ {
		id := es.StreamID(uuid.New().String())
		processedBy := 0

		for partition := 0; partition < totalPartitions; partition++ {
			if strategy.ShouldProcess(id, partition, totalPartitions) {
				processedBy++
			}
		}

		if processedBy != 1 {
			t.Errorf("Stream %s processed by %d partitions, expected 1", id, processedBy)
		}
	}
}

func TestHashPartitionStrategy_Distribution(t *testing.T) {
	strategy := projection.HashPartitionStrategy{}
	totalPartitions := 4
	iterations := 1000

	counts := make([]int, totalPartitions)
	for i := 0; i < iterations; i++ {
		id := es.StreamID(uuid.New().String())
		for partition := 0; partition < totalPartitions; partition++ {
			if strategy.ShouldProcess(id, partition, totalPartitions) {
				counts[partition]++
			}
		}
	}

	// Each partition should get roughly 25% (250 ± 83 for 1000 iterations)
	expectedCount := iterations / totalPartitions
	tolerance := expectedCount / 3

	for partition, count := range counts {
		if count < expectedCount-tolerance || count > expectedCount+tolerance {
			t.Logf("Partition distribution: %v", counts)
			t.Errorf("Partition %d has %d assignments, expected %d ± %d",
				partition, count, expectedCount, tolerance)
		}
	}
}

func TestDefaultProcessorConfig(t *testing.T) {
	config := projection.DefaultProcessorConfig()

	assert.Equal(t, 1, config.CheckpointEvery)
	assert.Equal(t, 0, config.PartitionKey)
	assert.Equal(t, 1, config.TotalPartitions)
	assert.Nil(t, config.Logger)
	assert.NotNil(t, config.PartitionStrategy)
	assert.NoError(t, config.Validate())
}

// Package projection provides projection processing capabilities.
//
// A Processor follows one or more streams from their stored checkpoints and
// hands every event to a Projection. After each handled event the new head is
// saved, so a restarted processor resumes where the previous one stopped.
package projection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
)

var (
	// ErrProjectionStopped indicates the projection was stopped due to an error.
	ErrProjectionStopped = errors.New("projection stopped")

	// ErrNoStreams indicates that no configured stream belongs to this partition.
	ErrNoStreams = errors.New("no streams to process")

	// ErrInvalidPartitionConfig indicates invalid partition configuration.
	ErrInvalidPartitionConfig = errors.New("invalid partition configuration")
)

// Projection defines the interface for event projection handlers.
type Projection[T any] interface {
	// Name returns the unique name of this projection.
	// This name is used for checkpoint tracking.
	Name() string

	// Handle processes a single event.
	// Events of one stream arrive in order; events of different streams may be
	// handled concurrently.
	// Return an error to stop projection processing.
	Handle(ctx context.Context, event es.StoredEvent[T]) error
}

// CheckpointStore persists how far a projection has processed each stream.
type CheckpointStore interface {
	// Load returns the position the projection reads next, or es.Start(id)
	// when nothing was saved.
	Load(ctx context.Context, projection string, id es.StreamID) (es.StreamPosition, error)

	// Save records pos as the position the projection reads next.
	Save(ctx context.Context, projection string, pos es.StreamPosition) error
}

// PartitionStrategy defines how streams are partitioned across projection instances.
type PartitionStrategy interface {
	// ShouldProcess returns true if this projection instance should process the given stream.
	// partitionKey identifies this projection instance (e.g., 0 for first of 4 workers).
	// totalPartitions is the total number of projection instances.
	ShouldProcess(id es.StreamID, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic hash-based partitioning.
// Streams are distributed across partitions based on a hash of the stream ID,
// so a stream is always handled by the same partition and its events keep
// their order.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy using FNV-1a hashing.
func (HashPartitionStrategy) ShouldProcess(id es.StreamID, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	h.Write([]byte(id))
	partition := int(h.Sum32() % uint32(totalPartitions))
	return partition == partitionKey
}

// ProcessorConfig configures a projection processor.
type ProcessorConfig struct {
	// Logger is an optional logger.
	Logger es.Logger

	// Streams are the streams the processor follows.
	Streams []es.StreamID

	// CheckpointEvery is how many handled events are batched into one
	// checkpoint save. The final position is always saved on exit.
	CheckpointEvery int

	// PartitionKey identifies this processor instance (0-indexed)
	PartitionKey int

	// TotalPartitions is the total number of processor instances
	TotalPartitions int

	// PartitionStrategy determines which streams this processor handles
	PartitionStrategy PartitionStrategy
}

// DefaultProcessorConfig returns the default configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		CheckpointEvery:   1,
		PartitionKey:      0,
		TotalPartitions:   1,
		PartitionStrategy: HashPartitionStrategy{},
	}
}

// Validate checks the partition settings.
func (c *ProcessorConfig) Validate() error {
	if c.TotalPartitions < 1 {
		return fmt.Errorf("%w: total partitions must be >= 1, got %d", ErrInvalidPartitionConfig, c.TotalPartitions)
	}
	if c.PartitionKey < 0 || c.PartitionKey >= c.TotalPartitions {
		return fmt.Errorf("%w: partition key %d out of range [0, %d)", ErrInvalidPartitionConfig, c.PartitionKey, c.TotalPartitions)
	}
	return nil
}

// Processor runs projections over store subscriptions.
type Processor[T any] struct {
	subscriber  store.Subscriber[T]
	checkpoints CheckpointStore
	config      ProcessorConfig
}

// NewProcessor creates a new projection processor.
func NewProcessor[T any](subscriber store.Subscriber[T], checkpoints CheckpointStore, config ProcessorConfig) *Processor[T] {
	if config.CheckpointEvery < 1 {
		config.CheckpointEvery = 1
	}
	if config.PartitionStrategy == nil {
		config.PartitionStrategy = HashPartitionStrategy{}
	}
	return &Processor[T]{
		subscriber:  subscriber,
		checkpoints: checkpoints,
		config:      config,
	}
}

// Owned returns the configured streams that belong to this processor's partition.
func (p *Processor[T]) Owned() []es.StreamID {
	var owned []es.StreamID
	for _, id := range p.config.Streams {
		if p.config.PartitionStrategy.ShouldProcess(id, p.config.PartitionKey, p.config.TotalPartitions) {
			owned = append(owned, id)
		}
	}
	return owned
}

// Run processes events for the given projection until the context is cancelled.
// Every owned stream is followed by its own subscription, starting at its
// checkpoint. Returns ErrProjectionStopped if the projection handler, the
// subscription or the checkpoint store fails.
func (p *Processor[T]) Run(ctx context.Context, projection Projection[T]) error {
	if err := p.config.Validate(); err != nil {
		return err
	}
	owned := p.Owned()
	if len(owned) == 0 {
		return ErrNoStreams
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range owned {
		g.Go(func() error {
			return p.follow(gctx, projection, id)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Processor[T]) follow(ctx context.Context, projection Projection[T], id es.StreamID) error {
	name := projection.Name()
	pos, err := p.checkpoints.Load(ctx, name, id)
	if err != nil {
		return fmt.Errorf("%w: failed to load checkpoint for %s: %v", ErrProjectionStopped, id, err)
	}

	sub, err := p.subscriber.Subscribe(ctx, pos)
	if err != nil {
		return fmt.Errorf("%w: failed to subscribe at %s: %v", ErrProjectionStopped, pos, err)
	}
	defer sub.Close()

	if p.config.Logger != nil {
		p.config.Logger.Info(ctx, "projection following stream",
			"projection", name, "stream_id", id, "from", pos.EventNumber)
	}

	saved := pos
	save := func(ctx context.Context) error {
		if pos == saved {
			return nil
		}
		if err := p.checkpoints.Save(ctx, name, pos); err != nil {
			return fmt.Errorf("%w: failed to save checkpoint %s: %v", ErrProjectionStopped, pos, err)
		}
		saved = pos
		return nil
	}
	// Handled events are checkpointed even when ctx ends the run.
	defer func() { _ = save(context.WithoutCancel(ctx)) }()

	pending := 0
	for ev, err := range sub.All() {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: subscription failed: %v", ErrProjectionStopped, err)
		}
		if err := projection.Handle(ctx, ev); err != nil {
			if p.config.Logger != nil {
				p.config.Logger.Error(ctx, "projection handler error",
					"projection", name, "stream_id", id, "event_number", ev.Number(), "error", err)
			}
			return fmt.Errorf("%w: handler failed at %s: %v", ErrProjectionStopped, ev.Position, err)
		}
		pos = ev.Head()
		pending++
		if pending >= p.config.CheckpointEvery {
			if err := save(ctx); err != nil {
				return err
			}
			pending = 0
		}
	}
	return ctx.Err()
}

type checkpointKey struct {
	projection string
	stream     es.StreamID
}

// MemoryCheckpoints is a CheckpointStore kept in process memory.
type MemoryCheckpoints struct {
	mu sync.Mutex
	m  map[checkpointKey]es.EventNumber
}

var _ CheckpointStore = (*MemoryCheckpoints)(nil)

// NewMemoryCheckpoints creates an empty in-memory checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{m: make(map[checkpointKey]es.EventNumber)}
}

// Load implements CheckpointStore.
func (c *MemoryCheckpoints) Load(_ context.Context, projection string, id es.StreamID) (es.StreamPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return es.At(id, c.m[checkpointKey{projection, id}]), nil
}

// Save implements CheckpointStore.
func (c *MemoryCheckpoints) Save(_ context.Context, projection string, pos es.StreamPosition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[checkpointKey{projection, pos.StreamID}] = pos.EventNumber
	return nil
}

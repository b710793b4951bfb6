// Package runner provides optional tooling for running multiple projections and scaling them safely.
// This package is designed to be explicit, deterministic, and CLI-friendly without imposing
// framework behavior or automatic scheduling.
package runner

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/projection"
	"github.com/getpup/pupstore/es/store"
)

var (
	// ErrNoProjections indicates that no projections were provided to run.
	ErrNoProjections = errors.New("no projections provided")

	// ErrInvalidPartitionConfig indicates invalid partition configuration.
	ErrInvalidPartitionConfig = projection.ErrInvalidPartitionConfig
)

// ProcessorRunner runs one projection until ctx is done or it fails.
// *projection.Processor implements it.
type ProcessorRunner[T any] interface {
	Run(ctx context.Context, p projection.Projection[T]) error
}

// ProjectionRunner pairs a projection with its processor.
type ProjectionRunner[T any] struct {
	Projection projection.Projection[T]
	Processor  ProcessorRunner[T]
}

// Runner orchestrates multiple projections concurrently.
// It is storage-agnostic and works with any processor implementation.
//
// Example:
//
//	checkpoints := sqlstore.NewCheckpoints(db, sqlite.Dialect{}, "")
//	orders := projection.NewProcessor[Event](s, checkpoints, ordersConfig)
//	users := projection.NewProcessor[Event](s, checkpoints, usersConfig)
//
//	err := runner.New[Event](logger).Run(ctx, []runner.ProjectionRunner[Event]{
//	    {Projection: &OrderSummary{}, Processor: orders},
//	    {Projection: &UserDirectory{}, Processor: users},
//	})
type Runner[T any] struct {
	logger es.Logger
}

// New creates a new projection runner. logger may be nil.
func New[T any](logger es.Logger) *Runner[T] {
	return &Runner[T]{logger: logger}
}

// Run runs multiple projections concurrently until the context is canceled.
// Each projection runs in its own goroutine with its processor.
// Returns when the context is canceled or when any projection returns an error.
//
// If a projection returns an error, all other projections are canceled and the error
// is returned.
//
// This method is safe to call from CLIs and does not assume single-process ownership.
// Coordination happens via the processor's checkpoint management.
func (r *Runner[T]) Run(ctx context.Context, runners []ProjectionRunner[T]) error {
	if len(runners) == 0 {
		return ErrNoProjections
	}

	for i, runner := range runners {
		if runner.Projection == nil {
			return fmt.Errorf("projection at index %d is nil", i)
		}
		if runner.Processor == nil {
			return fmt.Errorf("processor at index %d is nil", i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pr := range runners {
		g.Go(func() error {
			err := pr.Processor.Run(gctx, pr.Projection)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if r.logger != nil {
				r.logger.Error(gctx, "projection failed", "projection", pr.Projection.Name(), "error", err)
			}
			return fmt.Errorf("projection %q failed: %w", pr.Projection.Name(), err)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// RunProjectionPartitions runs totalPartitions processors for one projection
// in this process, each owning a hash partition of config.Streams.
// Partitions without streams are skipped.
func RunProjectionPartitions[T any](
	ctx context.Context,
	subscriber store.Subscriber[T],
	checkpoints projection.CheckpointStore,
	proj projection.Projection[T],
	config projection.ProcessorConfig,
	totalPartitions int,
) error {
	if totalPartitions < 1 {
		return fmt.Errorf("%w: total partitions must be >= 1, got %d", ErrInvalidPartitionConfig, totalPartitions)
	}

	var runners []ProjectionRunner[T]
	for key := 0; key < totalPartitions; key++ {
		pc := config
		pc.PartitionKey = key
		pc.TotalPartitions = totalPartitions
		proc := projection.NewProcessor(subscriber, checkpoints, pc)
		if len(proc.Owned()) == 0 {
			continue
		}
		runners = append(runners, ProjectionRunner[T]{Projection: proj, Processor: proc})
	}
	return New[T](config.Logger).Run(ctx, runners)
}

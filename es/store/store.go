// Package store defines the contract every event store backend implements.
package store

import (
	"context"
	"errors"
	"iter"

	"github.com/getpup/pupstore/es"
)

var (
	// ErrOptimisticConcurrency indicates a version conflict during append.
	// Conflicts are returned as *es.Error values that match this sentinel.
	ErrOptimisticConcurrency = es.ErrOptimisticConcurrency

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")

	// ErrClosed indicates an operation on a closed store.
	ErrClosed = errors.New("store closed")
)

// Appender appends events to a stream under optimistic concurrency.
type Appender[T any] interface {
	// Append atomically appends events to to.StreamID.
	// to.EventNumber is the head the caller expects the stream to have; the events
	// get consecutive event numbers starting there. Either every event is committed
	// or none is.
	//
	// Returns the new head on success.
	// Returns an es.KindConcurrencyConflict error (matching ErrOptimisticConcurrency)
	// if the actual head differs from the expected one.
	// Returns ErrNoEvents if events is empty.
	//
	// A successful append is delivered to every live subscriber of the stream and
	// of the global feed.
	Append(ctx context.Context, to es.StreamPosition, events ...T) (es.StreamPosition, error)
}

// Reader replays committed events.
type Reader[T any] interface {
	// Read yields the events of from.StreamID with number >= from.EventNumber that
	// were committed when iteration started, in ascending order.
	// The sequence is finite and can be ranged over again to re-read.
	// An error ends the sequence; it is yielded with a zero event.
	Read(ctx context.Context, from es.StreamPosition) iter.Seq2[es.StoredEvent[T], error]
}

// Subscriber opens live feeds.
type Subscriber[T any] interface {
	// Subscribe delivers the events of from.StreamID starting at from.EventNumber:
	// committed history first, then live events as they are committed, with no gap
	// or duplicate at the boundary. It runs until closed or ctx is done.
	Subscribe(ctx context.Context, from es.StreamPosition) (*Subscription[T], error)

	// SubscribeAll delivers every event committed to any stream after the call,
	// in the order this store instance observes commits. History is not replayed.
	SubscribeAll(ctx context.Context) (*Subscription[T], error)
}

// Store is the full event store contract, implemented by the memory, file and SQL backends.
type Store[T any] interface {
	Appender[T]
	Reader[T]
	Subscriber[T]

	// Head returns the position one past the last committed event of the stream.
	Head(ctx context.Context, id es.StreamID) (es.StreamPosition, error)

	// Close stops every subscription and releases the backend's resources.
	Close() error
}

// ValidateAppend performs the checks shared by every backend's Append.
func ValidateAppend(to es.StreamPosition, count int) error {
	if err := to.StreamID.Validate(); err != nil {
		return err
	}
	if count == 0 {
		return ErrNoEvents
	}
	return nil
}

// Collect drains a Read sequence into a slice.
func Collect[T any](seq iter.Seq2[es.StoredEvent[T], error]) ([]es.StoredEvent[T], error) {
	var out []es.StoredEvent[T]
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// ReadError returns a sequence that yields err once.
func ReadError[T any](err error) iter.Seq2[es.StoredEvent[T], error] {
	return func(yield func(es.StoredEvent[T], error) bool) {
		yield(es.StoredEvent[T]{}, err)
	}
}

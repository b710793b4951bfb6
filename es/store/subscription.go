package store

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/getpup/pupstore/es"
)

// State is the lifecycle stage of a Subscription.
type State int32

const (
	// StateCreated is a subscription whose delivery goroutine has not started yet.
	StateCreated State = iota
	// StateActive is delivering events.
	StateActive
	// StateDraining has been asked to stop and is winding down.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateActive:
		return "Active"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Subscription is a live, revocable feed of stored events.
//
// Events are received from C. C is closed when the feed ends; Err then reports
// why: nil after Close, the context error if the caller's context ended, or the
// terminal read or delivery error.
type Subscription[T any] struct {
	err    error
	ch     chan es.StoredEvent[T]
	done   chan struct{}
	cancel context.CancelFunc
	mu     sync.Mutex
	state  atomic.Int32
	closed atomic.Bool
}

// PumpFunc produces a subscription's events by calling emit for each one in order.
// emit returns false once the subscription is stopping; the pump must then return.
type PumpFunc[T any] func(ctx context.Context, emit func(es.StoredEvent[T]) bool) error

// NewSubscription starts pump in its own goroutine and returns the consumer handle.
func NewSubscription[T any](ctx context.Context, pump PumpFunc[T]) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		ch:     make(chan es.StoredEvent[T]),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.done)
		defer close(s.ch)
		defer cancel()

		s.state.CompareAndSwap(int32(StateCreated), int32(StateActive))
		emit := func(ev es.StoredEvent[T]) bool {
			select {
			case s.ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := pump(ctx, emit)
		if s.closed.Load() && (err == nil || errors.Is(err, context.Canceled)) {
			err = nil
		}

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.state.Store(int32(StateClosed))
	}()

	return s
}

// C returns the event channel.
func (s *Subscription[T]) C() <-chan es.StoredEvent[T] {
	return s.ch
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error. It is meaningful once C is closed.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the lifecycle stage.
func (s *Subscription[T]) State() State {
	return State(s.state.Load())
}

// Close stops delivery, releases the subscription's fan-out registration and
// waits for the delivery goroutine to exit. It is safe to call more than once.
func (s *Subscription[T]) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		for {
			cur := s.state.Load()
			if cur == int32(StateClosed) || s.state.CompareAndSwap(cur, int32(StateDraining)) {
				break
			}
		}
		s.cancel()
	}
	<-s.done
	return nil
}

// All ranges over the subscription. A terminal error is yielded with a zero
// event. Breaking out of the loop closes the subscription.
func (s *Subscription[T]) All() iter.Seq2[es.StoredEvent[T], error] {
	return func(yield func(es.StoredEvent[T], error) bool) {
		for ev := range s.ch {
			if !yield(ev, nil) {
				s.Close()
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(es.StoredEvent[T]{}, err)
		}
	}
}

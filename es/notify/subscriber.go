package notify

import (
	"sync"

	"github.com/getpup/pupstore/es"
)

// Subscriber is one consumer registered with an Engine, either for a single
// stream or for the global feed.
//
// Events arrive on C in the order they were published. C is never closed;
// consumers select on Done as well. After Done is closed, events already
// queued on C may still be drained and Err reports why delivery stopped.
type Subscriber[T any] struct {
	err     error
	inbox   chan es.StoredEvent[T]
	done    chan struct{}
	release func(*Subscriber[T])
	topic   *topic[T]
	id      uint64
	stream  es.StreamID
	global  bool
	once    sync.Once
	mu      sync.Mutex
}

// C returns the receive-only view of the subscriber's inbox.
func (s *Subscriber[T]) C() <-chan es.StoredEvent[T] {
	return s.inbox
}

// Done is closed when the subscriber is closed or dropped.
func (s *Subscriber[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason delivery stopped: nil after Close, a KindDelivery
// error after the subscriber fell too far behind, or ErrClosed if the engine
// shut down.
func (s *Subscriber[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StreamID returns the subscribed stream, or "" for the global feed.
func (s *Subscriber[T]) StreamID() es.StreamID {
	return s.stream
}

// Global reports whether this is a global feed subscriber.
func (s *Subscriber[T]) Global() bool {
	return s.global
}

// Close unregisters the subscriber. It is safe to call more than once.
func (s *Subscriber[T]) Close() {
	s.stop(nil)
}

// stop closes the subscriber with a terminal error and drops its registration.
func (s *Subscriber[T]) stop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.release != nil {
			s.release(s)
		}
	})
}

func (s *Subscriber[T]) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Package memory provides an in-process event store.
//
// Events live in per-stream slices and are lost when the process exits. The
// store is safe for concurrent use and is the reference backend for tests.
package memory

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/notify"
	"github.com/getpup/pupstore/es/store"
)

// StoreConfig contains configuration for the in-memory event store.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Now returns the commit timestamp. Defaults to time.Now.
	Now func() time.Time

	// Notify configures the store's notification engine.
	Notify notify.Config
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Now:    time.Now,
		Notify: notify.DefaultConfig(),
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store and its notification engine.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
		c.Notify.Logger = logger
	}
}

// WithClock sets the commit timestamp source.
func WithClock(now func() time.Time) StoreOption {
	return func(c *StoreConfig) {
		c.Now = now
	}
}

// WithNotifyConfig sets the notification engine configuration.
func WithNotifyConfig(config notify.Config) StoreOption {
	return func(c *StoreConfig) {
		c.Notify = config
	}
}

// NewStoreConfig creates a configuration from the defaults and the given options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

type stream[T any] struct {
	outbox notify.Outbox[T]
	events []es.StoredEvent[T]
	mu     sync.Mutex
}

// Store is an in-memory event store.
type Store[T any] struct {
	engine  *notify.Engine[T]
	streams map[es.StreamID]*stream[T]
	config  StoreConfig
	mu      sync.RWMutex
	global  atomic.Int64
	closed  atomic.Bool
}

var _ store.Store[any] = (*Store[any])(nil)

// NewStore creates an empty in-memory store.
func NewStore[T any](config StoreConfig) *Store[T] {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Store[T]{
		config:  config,
		engine:  notify.New[T](config.Notify),
		streams: make(map[es.StreamID]*stream[T]),
	}
}

func (s *Store[T]) lookup(id es.StreamID) *stream[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[id]
}

func (s *Store[T]) getOrCreate(id es.StreamID) *stream[T] {
	if st := s.lookup(id); st != nil {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		st = &stream[T]{}
		s.streams[id] = st
	}
	return st
}

// Append implements store.Appender.
// Batches of one stream reach the notification engine in commit order. The
// stream lock is released before delivery, so readers never wait on a
// subscriber with a full inbox.
func (s *Store[T]) Append(ctx context.Context, to es.StreamPosition, events ...T) (es.StreamPosition, error) {
	if err := store.ValidateAppend(to, len(events)); err != nil {
		return es.StreamPosition{}, err
	}
	if s.closed.Load() {
		return es.StreamPosition{}, store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return es.StreamPosition{}, err
	}

	st := s.getOrCreate(to.StreamID)
	if err := s.commit(ctx, st, to, events); err != nil {
		return es.StreamPosition{}, err
	}
	st.outbox.Flush(s.engine)
	return to.Next(len(events)), nil
}

// commit stores the batch and queues it on the stream's outbox.
func (s *Store[T]) commit(ctx context.Context, st *stream[T], to es.StreamPosition, events []T) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	actual := es.EventNumber(len(st.events))
	if actual != to.EventNumber {
		if s.config.Logger != nil {
			s.config.Logger.Debug(ctx, "append conflict",
				"stream_id", to.StreamID, "expected", to.EventNumber, "actual", actual)
		}
		return es.ConcurrencyConflict(to.StreamID, to.EventNumber, actual)
	}

	at := s.config.Now()
	committed := make([]es.StoredEvent[T], len(events))
	for i, payload := range events {
		committed[i] = es.StoredEvent[T]{
			Position:       to.Next(i),
			EventID:        uuid.New(),
			Payload:        payload,
			CommittedAt:    at,
			GlobalPosition: s.global.Add(1),
		}
	}
	st.events = append(st.events, committed...)
	st.outbox.Push(committed)

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "events appended",
			"stream_id", to.StreamID, "count", len(events), "head", len(st.events))
	}
	return nil
}

// Read implements store.Reader.
func (s *Store[T]) Read(ctx context.Context, from es.StreamPosition) iter.Seq2[es.StoredEvent[T], error] {
	if err := from.StreamID.Validate(); err != nil {
		return store.ReadError[T](err)
	}
	return func(yield func(es.StoredEvent[T], error) bool) {
		st := s.lookup(from.StreamID)
		if st == nil {
			return
		}
		st.mu.Lock()
		snapshot := st.events[:len(st.events):len(st.events)]
		st.mu.Unlock()

		if from.EventNumber >= es.EventNumber(len(snapshot)) {
			return
		}
		for _, ev := range snapshot[from.EventNumber:] {
			if err := ctx.Err(); err != nil {
				yield(es.StoredEvent[T]{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Head returns the next event number of a stream.
func (s *Store[T]) Head(_ context.Context, id es.StreamID) (es.StreamPosition, error) {
	if err := id.Validate(); err != nil {
		return es.StreamPosition{}, err
	}
	st := s.lookup(id)
	if st == nil {
		return es.Start(id), nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return es.At(id, es.EventNumber(len(st.events))), nil
}

// Subscribe implements store.Subscriber.
func (s *Store[T]) Subscribe(ctx context.Context, from es.StreamPosition) (*store.Subscription[T], error) {
	if err := from.StreamID.Validate(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	sub, err := s.engine.Subscribe(from.StreamID)
	if err != nil {
		return nil, err
	}
	return store.CatchUp[T](ctx, s, from, sub), nil
}

// SubscribeAll implements store.Subscriber.
// Events committed before the call may still be in the middle of being
// published; they are told apart by global position and skipped.
func (s *Store[T]) SubscribeAll(ctx context.Context) (*store.Subscription[T], error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	sub, err := s.engine.SubscribeAll()
	if err != nil {
		return nil, err
	}
	mark := s.global.Load()
	return store.Live(ctx, sub, func(ev es.StoredEvent[T]) bool {
		return ev.GlobalPosition > mark
	}), nil
}

// RefCount returns the number of live subscribers to a stream.
func (s *Store[T]) RefCount(id es.StreamID) int {
	return s.engine.RefCount(id)
}

// Close stops every subscription. Appends and new subscriptions fail afterwards.
func (s *Store[T]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.engine.Close()
}

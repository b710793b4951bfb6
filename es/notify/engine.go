// Package notify fans committed events out to live subscribers.
//
// An Engine is owned by exactly one store instance and is shared by nothing
// else, so several stores in one process never see each other's events.
//
// Every stream with at least one subscriber has a topic. Topics live in an
// immutable map behind an atomic pointer: writers copy the map, change the copy
// and CompareAndSwap it in, retrying on contention. Topics are created on the
// first subscription, reference counted, and removed when the last subscriber
// leaves. A single global topic receives every published event.
//
// Each subscriber owns a bounded inbox. Publishing never blocks on a consumer
// for longer than the Backoff schedule: a subscriber that stays full is dropped
// with an es.KindDelivery error while the other subscribers and the write path
// carry on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/getpup/pupstore/es"
)

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("notification engine closed")

// DefaultCapacity is the inbox size of each subscriber.
const DefaultCapacity = 512

// Config configures an Engine.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// MeterProvider supplies the delivery failure counter.
	// If nil, the global otel provider is used.
	MeterProvider metric.MeterProvider

	// Backoff is the retry schedule for full inboxes.
	Backoff Backoff

	// Capacity is the inbox size of each subscriber.
	Capacity int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Capacity: DefaultCapacity,
		Backoff:  DefaultBackoff(),
	}
}

// Option is a functional option for configuring an Engine.
type Option func(*Config)

// WithLogger sets a logger for the engine.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithCapacity sets the per-subscriber inbox size.
func WithCapacity(capacity int) Option {
	return func(c *Config) {
		c.Capacity = capacity
	}
}

// WithBackoff sets the retry schedule for full inboxes.
func WithBackoff(b Backoff) Option {
	return func(c *Config) {
		c.Backoff = b
	}
}

// WithMeterProvider sets the provider for the engine's metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) {
		c.MeterProvider = mp
	}
}

// NewConfig creates a configuration from the defaults and the given options.
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

type topicMap[T any] map[es.StreamID]*topic[T]

// Engine delivers published events to stream and global subscribers.
type Engine[T any] struct {
	failures metric.Int64Counter
	streams  atomic.Pointer[topicMap[T]]
	global   *topic[T]
	all      sync.Map // id -> *Subscriber[T], for Close
	config   Config
	nextID   atomic.Uint64
	closed   atomic.Bool
}

// New creates an engine. Invalid capacity or backoff values fall back to the defaults.
func New[T any](config Config) *Engine[T] {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.Backoff.Validate() != nil {
		config.Backoff = DefaultBackoff()
	}

	mp := config.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	failures, err := mp.Meter("github.com/getpup/pupstore/es/notify").Int64Counter(
		"pupstore.notify.delivery_failures",
		metric.WithDescription("Subscribers dropped because their inbox stayed full"),
	)
	if err != nil && config.Logger != nil {
		config.Logger.Error(context.Background(), "failed to create delivery failure counter", "error", err)
	}

	e := &Engine[T]{
		config:   config,
		global:   newTopic[T](""),
		failures: failures,
	}
	empty := topicMap[T]{}
	e.streams.Store(&empty)
	return e
}

// Subscribe registers a live subscriber for one stream.
func (e *Engine[T]) Subscribe(id es.StreamID) (*Subscriber[T], error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}

	s := e.newSubscriber(id, false)
	for {
		t := e.getOrCreate(id)
		s.topic = t
		if t.add(s) {
			break
		}
		// Retired between lookup and add: make sure it is gone and try again.
		e.removeTopic(id, t)
	}
	e.all.Store(s.id, s)

	if e.closed.Load() {
		s.stop(ErrClosed)
		return nil, ErrClosed
	}
	return s, nil
}

// SubscribeAll registers a live subscriber for every published event.
func (e *Engine[T]) SubscribeAll() (*Subscriber[T], error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	s := e.newSubscriber("", true)
	s.topic = e.global
	e.global.add(s)
	e.all.Store(s.id, s)

	if e.closed.Load() {
		s.stop(ErrClosed)
		return nil, ErrClosed
	}
	return s, nil
}

// Publish hands committed events to the subscribers of their streams and to
// every global subscriber. Callers must publish the events of one stream in
// commit order and must not publish the same stream from two goroutines at once.
func (e *Engine[T]) Publish(events ...es.StoredEvent[T]) {
	if len(events) == 0 || e.closed.Load() {
		return
	}

	// Group consecutive runs of the same stream so each topic gets one batch.
	start := 0
	for i := 1; i <= len(events); i++ {
		if i < len(events) && events[i].Position.StreamID == events[start].Position.StreamID {
			continue
		}
		batch := events[start:i]
		if t, ok := (*e.streams.Load())[batch[0].Position.StreamID]; ok {
			t.publish(batch, e.config.Backoff, e.drop)
		}
		e.global.publish(batch, e.config.Backoff, e.drop)
		start = i
	}
}

// RefCount returns the number of live subscribers to a stream.
func (e *Engine[T]) RefCount(id es.StreamID) int {
	t, ok := (*e.streams.Load())[id]
	if !ok {
		return 0
	}
	return t.count()
}

// GlobalCount returns the number of live global subscribers.
func (e *Engine[T]) GlobalCount() int {
	return e.global.count()
}

// Topics returns the number of streams that currently hold a topic.
func (e *Engine[T]) Topics() int {
	return len(*e.streams.Load())
}

// Close stops every subscriber with ErrClosed. Later calls to Subscribe fail.
func (e *Engine[T]) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.all.Range(func(_, v any) bool {
		v.(*Subscriber[T]).stop(ErrClosed)
		return true
	})
	if e.config.Logger != nil {
		e.config.Logger.Debug(context.Background(), "notification engine closed")
	}
	return nil
}

func (e *Engine[T]) newSubscriber(id es.StreamID, global bool) *Subscriber[T] {
	return &Subscriber[T]{
		id:      e.nextID.Add(1),
		stream:  id,
		global:  global,
		inbox:   make(chan es.StoredEvent[T], e.config.Capacity),
		done:    make(chan struct{}),
		release: e.release,
	}
}

func (e *Engine[T]) getOrCreate(id es.StreamID) *topic[T] {
	for {
		cur := e.streams.Load()
		if t, ok := (*cur)[id]; ok {
			return t
		}
		t := newTopic[T](id)
		next := maps.Clone(*cur)
		next[id] = t
		if e.streams.CompareAndSwap(cur, &next) {
			if e.config.Logger != nil {
				e.config.Logger.Debug(context.Background(), "stream topic created", "stream_id", id)
			}
			return t
		}
	}
}

// removeTopic deletes t from the map if it is still the entry for id.
func (e *Engine[T]) removeTopic(id es.StreamID, t *topic[T]) {
	for {
		cur := e.streams.Load()
		if (*cur)[id] != t {
			return
		}
		next := maps.Clone(*cur)
		delete(next, id)
		if e.streams.CompareAndSwap(cur, &next) {
			if e.config.Logger != nil {
				e.config.Logger.Debug(context.Background(), "stream topic removed", "stream_id", id)
			}
			return
		}
	}
}

// release runs once per subscriber when it stops.
func (e *Engine[T]) release(s *Subscriber[T]) {
	e.all.Delete(s.id)
	if s.topic.remove(s, !s.global) {
		e.removeTopic(s.stream, s.topic)
	}
}

func (e *Engine[T]) drop(s *Subscriber[T]) {
	err := es.DeliveryError(s.stream, fmt.Errorf("subscriber inbox full for %s", e.config.Backoff.Total()))
	if e.failures != nil {
		e.failures.Add(context.Background(), 1,
			metric.WithAttributes(attribute.Bool("global", s.global)))
	}
	if e.config.Logger != nil {
		e.config.Logger.Error(context.Background(), "subscriber dropped",
			"stream_id", s.stream,
			"global", s.global,
			"error", err)
	}
	s.stop(err)
}

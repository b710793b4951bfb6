// Package sqlstore provides an event store on top of database/sql.
//
// The store is generic over a Dialect; the postgres, mysql and sqlite packages
// provide one each. Appends run in a single transaction that checks the stream
// head, inserts the events and, where the dialect supports it, emits a
// database notification that becomes visible at commit.
//
// Live delivery goes through a Notify Bridge: one goroutine per store that
// waits for a signal from a ChangeSource (a LISTEN connection or a poll
// ticker) or from a local commit, reads every event above its cursor in
// global position order and publishes them to the store's notification
// engine. Commits from other processes therefore reach local subscribers.
//
// Global positions are allocated when rows are inserted, so a transaction that
// commits late leaves a temporary hole behind later positions. The bridge
// waits up to GapTimeout for a hole to fill before skipping it; positions of
// appends rolled back in this process are skipped at once. Per-stream order is
// strict, and per-stream subscribers re-read anything the bridge skipped.
// The order of the global feed across streams is best effort.
//
// SubscribeAll is best effort too. It starts above the highest global
// position committed when it is called, so an append that drew a lower
// position and commits after that point is not delivered to it. Per-stream
// subscriptions are not affected.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/notify"
	"github.com/getpup/pupstore/es/store"
)

const (
	// DefaultChannel is the notification channel used by dialects that support one.
	DefaultChannel = "pupstore_events"

	// DefaultPollInterval is how often polling change sources signal.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultGapTimeout is how long the bridge waits for a missing global position.
	DefaultGapTimeout = 5 * time.Second

	// DefaultBatchSize bounds the rows read per query.
	DefaultBatchSize = 500
)

const tracerName = "github.com/getpup/pupstore/es/adapters/sqlstore"

// StoreConfig contains configuration for the SQL event store.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// TracerProvider supplies the tracer for store operations.
	// If nil, the global otel provider is used.
	TracerProvider trace.TracerProvider

	// Now returns the commit timestamp. Defaults to time.Now.
	Now func() time.Time

	// EventsTable is the name of the events table
	EventsTable string

	// Channel is the notification channel name.
	Channel string

	// Notify configures the store's notification engine.
	Notify notify.Config

	// GapTimeout is how long the bridge waits for a missing global position
	// before skipping it.
	GapTimeout time.Duration

	// RetryInterval is how long the bridge waits after a failed read.
	RetryInterval time.Duration

	// BatchSize bounds the rows read per query.
	BatchSize int
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Now:           time.Now,
		EventsTable:   "events",
		Channel:       DefaultChannel,
		Notify:        notify.DefaultConfig(),
		GapTimeout:    DefaultGapTimeout,
		RetryInterval: time.Second,
		BatchSize:     DefaultBatchSize,
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

// WithTracerProvider sets the provider for the store's spans.
func WithTracerProvider(tp trace.TracerProvider) StoreOption {
	return func(c *StoreConfig) {
		c.TracerProvider = tp
	}
}

// WithClock sets the commit timestamp source.
func WithClock(now func() time.Time) StoreOption {
	return func(c *StoreConfig) {
		c.Now = now
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// WithChannel sets the notification channel name.
func WithChannel(channel string) StoreOption {
	return func(c *StoreConfig) {
		c.Channel = channel
	}
}

// WithNotifyConfig sets the notification engine configuration.
func WithNotifyConfig(config notify.Config) StoreOption {
	return func(c *StoreConfig) {
		c.Notify = config
	}
}

// WithGapTimeout sets how long the bridge waits for a missing global position.
func WithGapTimeout(d time.Duration) StoreOption {
	return func(c *StoreConfig) {
		c.GapTimeout = d
	}
}

// WithBatchSize sets the maximum rows read per query.
func WithBatchSize(n int) StoreOption {
	return func(c *StoreConfig) {
		c.BatchSize = n
	}
}

// NewStoreConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

type queries struct {
	head      string
	insert    string
	readRange string
	readAfter string
	maxGlobal string
}

func buildQueries(d Dialect, table string) queries {
	insert := fmt.Sprintf(`INSERT INTO %s (stream_id, event_number, event_id, payload, committed_at_us) VALUES (?, ?, ?, ?, ?)`, table)
	if d.Returning() {
		insert += ` RETURNING global_position`
	}
	return queries{
		head:      d.Rebind(fmt.Sprintf(`SELECT MAX(event_number) FROM %s WHERE stream_id = ?`, table)),
		insert:    d.Rebind(insert),
		readRange: d.Rebind(fmt.Sprintf(`SELECT global_position, event_number, event_id, payload, committed_at_us
		FROM %s
		WHERE stream_id = ? AND event_number >= ? AND event_number < ?
		ORDER BY event_number ASC
		LIMIT ?`, table)),
		readAfter: d.Rebind(fmt.Sprintf(`SELECT global_position, stream_id, event_number, event_id, payload, committed_at_us
		FROM %s
		WHERE global_position > ?
		ORDER BY global_position ASC
		LIMIT ?`, table)),
		maxGlobal: fmt.Sprintf(`SELECT COALESCE(MAX(global_position), 0) FROM %s`, table),
	}
}

// Store is a SQL-backed event store.
type Store[T any] struct {
	db        *sql.DB
	dialect   Dialect
	codec     codec.Codec[T]
	source    ChangeSource
	engine    *notify.Engine[T]
	tracer    trace.Tracer
	abandoned map[int64]struct{}
	wake      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
	gapSince  time.Time
	config    StoreConfig
	q         queries
	cursor    int64
	gapFrom   int64
	mu        sync.Mutex
	closed    atomic.Bool
}

var _ store.Store[any] = (*Store[any])(nil)

// NewStore creates a store on db and starts its notify bridge. The bridge
// starts at the current end of the events table. The store owns source and
// closes it; db stays owned by the caller.
func NewStore[T any](ctx context.Context, db *sql.DB, dialect Dialect, c codec.Codec[T], source ChangeSource, config StoreConfig) (*Store[T], error) {
	if db == nil || dialect == nil || c == nil || source == nil {
		return nil, errors.New("sqlstore: db, dialect, codec and change source are required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.EventsTable == "" {
		config.EventsTable = "events"
	}
	if config.GapTimeout <= 0 {
		config.GapTimeout = DefaultGapTimeout
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	s := &Store[T]{
		db:        db,
		dialect:   dialect,
		codec:     c,
		source:    source,
		config:    config,
		q:         buildQueries(dialect, config.EventsTable),
		tracer:    tp.Tracer(tracerName),
		engine:    notify.New[T](config.Notify),
		abandoned: make(map[int64]struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	cursor, err := s.maxGlobal(ctx)
	if err != nil {
		return nil, es.StoreError("open", "", err)
	}
	s.cursor = cursor

	bridgeCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(bridgeCtx)

	if config.Logger != nil {
		config.Logger.Info(ctx, "sql store opened",
			"dialect", dialect.Name(), "table", config.EventsTable, "cursor", cursor)
	}
	return s, nil
}

func (s *Store[T]) startSpan(ctx context.Context, name string, id es.StreamID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("db.system", s.dialect.Name()),
		attribute.String("pupstore.stream_id", string(id)),
	)
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Append implements store.Appender.
func (s *Store[T]) Append(ctx context.Context, to es.StreamPosition, events ...T) (pos es.StreamPosition, err error) {
	if err := store.ValidateAppend(to, len(events)); err != nil {
		return es.StreamPosition{}, err
	}
	if s.closed.Load() {
		return es.StreamPosition{}, store.ErrClosed
	}

	ctx, span := s.startSpan(ctx, "sqlstore.Append", to.StreamID,
		attribute.Int("pupstore.event_count", len(events)),
		attribute.Int64("pupstore.expected_head", int64(to.EventNumber)))
	defer func() { endSpan(span, err) }()

	payloads := make([][]byte, len(events))
	for i := range events {
		data, encErr := s.codec.Encode(events[i])
		if encErr != nil {
			return es.StreamPosition{}, es.SerializationError("append", to.StreamID, encErr)
		}
		payloads[i] = data
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "append starting",
			"stream_id", to.StreamID, "expected", to.EventNumber, "count", len(events))
	}

	positions, err := s.appendTx(ctx, to, payloads)
	if err != nil {
		if len(positions) > 0 {
			s.abandon(positions)
		}
		switch {
		case errors.Is(err, errLostRace):
			// Rolled back, so the winner's head is readable now.
			err = s.conflict(ctx, to)
		case es.KindOf(err) != es.KindConcurrencyConflict:
			err = es.StoreError("append", to.StreamID, err)
		}
		if es.KindOf(err) == es.KindConcurrencyConflict {
			if s.config.Logger != nil {
				s.config.Logger.Debug(ctx, "append conflict", "stream_id", to.StreamID, "error", err)
			}
			return es.StreamPosition{}, err
		}
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "append failed", "stream_id", to.StreamID, "error", err)
		}
		return es.StreamPosition{}, err
	}

	s.signal()
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "append completed",
			"stream_id", to.StreamID, "head", to.EventNumber+es.EventNumber(len(events)),
			"global_position", positions[len(positions)-1])
	}
	return to.Next(len(events)), nil
}

// errLostRace reports that a concurrent append took an event number first.
// The stream lock makes this a backstop; it is only reached where the
// dialect's lock does not cover every writer.
var errLostRace = errors.New("lost append race")

// appendTx runs the append transaction. It returns the global positions it
// allocated, also on failure, so the bridge can skip them.
func (s *Store[T]) appendTx(ctx context.Context, to es.StreamPosition, payloads [][]byte) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			//nolint:errcheck // Rollback error is not actionable after a failed append
			tx.Rollback()
		}
	}()

	if err := s.dialect.LockStream(ctx, tx, to.StreamID); err != nil {
		return nil, fmt.Errorf("failed to lock stream: %w", err)
	}

	actual, err := s.head(ctx, tx, to.StreamID)
	if err != nil {
		return nil, err
	}
	if actual != to.EventNumber {
		return nil, es.ConcurrencyConflict(to.StreamID, to.EventNumber, actual)
	}

	at := s.config.Now().UnixMicro()
	positions := make([]int64, 0, len(payloads))
	for i, payload := range payloads {
		n := int64(to.EventNumber) + int64(i)
		gp, err := s.insert(ctx, tx, to.StreamID, n, payload, at)
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return positions, errLostRace
			}
			return positions, fmt.Errorf("failed to insert event %d: %w", i, err)
		}
		positions = append(positions, gp)
	}

	last := strconv.FormatInt(positions[len(positions)-1], 10)
	if err := s.dialect.Notify(ctx, tx, s.config.Channel, last); err != nil {
		return positions, fmt.Errorf("failed to notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		committed = true
		if s.dialect.IsUniqueViolation(err) {
			return positions, errLostRace
		}
		return positions, fmt.Errorf("failed to commit: %w", err)
	}
	committed = true
	return positions, nil
}

func (s *Store[T]) insert(ctx context.Context, tx *sql.Tx, id es.StreamID, n int64, payload []byte, at int64) (int64, error) {
	eventID := uuid.New()
	if s.dialect.Returning() {
		var gp int64
		err := tx.QueryRowContext(ctx, s.q.insert, string(id), n, eventID, payload, at).Scan(&gp)
		return gp, err
	}
	res, err := tx.ExecContext(ctx, s.q.insert, string(id), n, eventID, payload, at)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// conflict builds the error for a lost insert race, reading the head the
// winner left behind. A conflict needs the real head, so a failed read is
// reported as a store error.
func (s *Store[T]) conflict(ctx context.Context, to es.StreamPosition) error {
	actual, err := s.head(ctx, s.db, to.StreamID)
	if err != nil {
		return es.StoreError("append", to.StreamID, fmt.Errorf("%w: %w", errLostRace, err))
	}
	return es.ConcurrencyConflict(to.StreamID, to.EventNumber, actual)
}

func (s *Store[T]) head(ctx context.Context, db es.DBTX, id es.StreamID) (es.EventNumber, error) {
	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, s.q.head, string(id)).Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read stream head: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return es.EventNumber(last.Int64 + 1), nil
}

func (s *Store[T]) maxGlobal(ctx context.Context) (int64, error) {
	var gp int64
	if err := s.db.QueryRowContext(ctx, s.q.maxGlobal).Scan(&gp); err != nil {
		return 0, fmt.Errorf("failed to read last global position: %w", err)
	}
	return gp, nil
}

// Head returns the next event number of a stream.
func (s *Store[T]) Head(ctx context.Context, id es.StreamID) (pos es.StreamPosition, err error) {
	if err := id.Validate(); err != nil {
		return es.StreamPosition{}, err
	}
	ctx, span := s.startSpan(ctx, "sqlstore.Head", id)
	defer func() { endSpan(span, err) }()

	n, err := s.head(ctx, s.db, id)
	if err != nil {
		return es.StreamPosition{}, es.StoreError("head", id, err)
	}
	return es.At(id, n), nil
}

// Read implements store.Reader.
// The head is read when iteration starts and bounds the result; rows are
// fetched in pages of BatchSize.
func (s *Store[T]) Read(ctx context.Context, from es.StreamPosition) iter.Seq2[es.StoredEvent[T], error] {
	if err := from.StreamID.Validate(); err != nil {
		return store.ReadError[T](err)
	}
	return func(yield func(es.StoredEvent[T], error) bool) {
		var err error
		ctx, span := s.startSpan(ctx, "sqlstore.Read", from.StreamID,
			attribute.Int64("pupstore.from", int64(from.EventNumber)))
		defer func() { endSpan(span, err) }()

		var head es.EventNumber
		head, err = s.head(ctx, s.db, from.StreamID)
		if err != nil {
			err = es.StoreError("read", from.StreamID, err)
			yield(es.StoredEvent[T]{}, err)
			return
		}

		next := from.EventNumber
		for next < head {
			var page []es.StoredEvent[T]
			page, err = s.readPage(ctx, from.StreamID, next, head)
			if err != nil {
				yield(es.StoredEvent[T]{}, err)
				return
			}
			if len(page) == 0 || page[0].Number() != next {
				err = es.StoreError("read", from.StreamID,
					fmt.Errorf("event %d missing below head %d", next, head))
				yield(es.StoredEvent[T]{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			next = page[len(page)-1].Number() + 1
		}
	}
}

func (s *Store[T]) readPage(ctx context.Context, id es.StreamID, from, head es.EventNumber) ([]es.StoredEvent[T], error) {
	rows, err := s.db.QueryContext(ctx, s.q.readRange, string(id), int64(from), int64(head), s.config.BatchSize)
	if err != nil {
		return nil, es.StoreError("read", id, fmt.Errorf("failed to query events: %w", err))
	}
	defer rows.Close()

	var out []es.StoredEvent[T]
	for rows.Next() {
		var (
			gp, n, at int64
			eventID   uuid.UUID
			payload   []byte
		)
		if err := rows.Scan(&gp, &n, &eventID, &payload, &at); err != nil {
			return nil, es.StoreError("read", id, fmt.Errorf("failed to scan event: %w", err))
		}
		value, err := s.codec.Decode(payload)
		if err != nil {
			return nil, es.SerializationError("read", id, err)
		}
		out = append(out, es.StoredEvent[T]{
			Position:       es.At(id, es.EventNumber(n)),
			EventID:        eventID,
			Payload:        value,
			CommittedAt:    time.UnixMicro(at).UTC(),
			GlobalPosition: gp,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, es.StoreError("read", id, fmt.Errorf("rows error: %w", err))
	}
	return out, nil
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
// Events at or below the highest global position read after registration
// are not delivered, including a lower position that commits later.
func (s *Store[T]) SubscribeAll(ctx context.Context) (*store.Subscription[T], error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	sub, err := s.engine.SubscribeAll()
	if err != nil {
		return nil, err
	}
	mark, err := s.maxGlobal(ctx)
	if err != nil {
		sub.Close()
		return nil, es.StoreError("subscribe", "", err)
	}
	return store.Live(ctx, sub, func(ev es.StoredEvent[T]) bool {
		return ev.GlobalPosition > mark
	}), nil
}

// RefCount returns the number of live subscribers to a stream.
func (s *Store[T]) RefCount(id es.StreamID) int {
	return s.engine.RefCount(id)
}

// Close stops the bridge, the change source and every subscription.
// The database handle is left open.
func (s *Store[T]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	<-s.done
	err := s.source.Close()
	if cerr := s.engine.Close(); err == nil {
		err = cerr
	}
	if s.config.Logger != nil {
		s.config.Logger.Info(context.Background(), "sql store closed", "dialect", s.dialect.Name())
	}
	return err
}

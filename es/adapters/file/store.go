// Package file provides an event store that keeps one append-only file per stream.
//
// Each stream is a file of newline-delimited JSON records named after the
// hex-encoded stream ID. Every record carries its event number, event ID,
// commit time, encoded payload and a SHA-256 checksum of those fields.
// Appends are fsynced before they are acknowledged or published.
//
// A record left incomplete by a crash is detected on the next open of the
// stream and truncated away. Damage anywhere else is reported as ErrCorrupt.
//
// Global positions are assigned in the order this store instance commits and
// are not persisted: events read back from disk carry GlobalPosition 0.
package file

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/notify"
	"github.com/getpup/pupstore/es/store"
)

// Extension is the suffix of stream files.
const Extension = ".ndjson"

// maxNameLen keeps file names within common filesystem limits.
const maxNameLen = 200

// StoreConfig contains configuration for the file event store.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Now returns the commit timestamp. Defaults to time.Now.
	Now func() time.Time

	// Notify configures the store's notification engine.
	Notify notify.Config

	// FileMode is the permission of newly created stream files.
	FileMode fs.FileMode
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Now:      time.Now,
		Notify:   notify.DefaultConfig(),
		FileMode: 0o644,
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

// WithFileMode sets the permission of newly created stream files.
func WithFileMode(mode fs.FileMode) StoreOption {
	return func(c *StoreConfig) {
		c.FileMode = mode
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

// streamFile is the writer state of one stream. mu serializes appends and
// guards every other field except outbox.
type streamFile[T any] struct {
	outbox notify.Outbox[T]
	f      *os.File
	id     es.StreamID
	path   string
	size   int64
	mu     sync.Mutex
	head   es.EventNumber
	loaded bool
}

// Store is a file-backed event store.
type Store[T any] struct {
	codec   codec.Codec[T]
	engine  *notify.Engine[T]
	streams map[es.StreamID]*streamFile[T]
	dir     string
	config  StoreConfig
	mu      sync.Mutex
	global  atomic.Int64
	closed  atomic.Bool
}

var _ store.Store[any] = (*Store[any])(nil)

// NewStore opens a store rooted at dir, creating the directory if needed.
// Stream files are opened lazily.
func NewStore[T any](dir string, c codec.Codec[T], config StoreConfig) (*Store[T], error) {
	if dir == "" {
		return nil, errors.New("file store directory is required")
	}
	if c == nil {
		return nil, errors.New("file store codec is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.FileMode == 0 {
		config.FileMode = 0o644
	}
	return &Store[T]{
		codec:   c,
		dir:     dir,
		config:  config,
		engine:  notify.New[T](config.Notify),
		streams: make(map[es.StreamID]*streamFile[T]),
	}, nil
}

// FileName returns the name of the file that holds a stream.
func FileName(id es.StreamID) string {
	name := hex.EncodeToString([]byte(id))
	if len(name) > maxNameLen {
		sum := sha256.Sum256([]byte(id))
		name = "sha256-" + hex.EncodeToString(sum[:])
	}
	return name + Extension
}

func (s *Store[T]) stream(id es.StreamID) *streamFile[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		st = &streamFile[T]{id: id, path: filepath.Join(s.dir, FileName(id))}
		s.streams[id] = st
	}
	return st
}

// load scans the stream file once to find the head, truncating a torn tail.
// The caller holds st.mu.
func (s *Store[T]) load(ctx context.Context, st *streamFile[T]) error {
	if st.loaded {
		return nil
	}

	r, err := os.Open(st.path)
	if errors.Is(err, fs.ErrNotExist) {
		st.head, st.size, st.loaded = 0, 0, true
		return nil
	}
	if err != nil {
		return es.StoreError("open", st.id, err)
	}
	defer r.Close()

	sc := newScanner(r)
	for sc.Scan() {
	}
	if scanErr := sc.Err(); scanErr != nil {
		if !sc.atEOF() {
			return es.StoreError("open", st.id, fmt.Errorf("%w: %v", ErrCorrupt, scanErr))
		}
		if err := s.truncate(st, sc.Valid()); err != nil {
			return es.StoreError("open", st.id, err)
		}
		if s.config.Logger != nil {
			s.config.Logger.Info(ctx, "truncated torn stream tail",
				"stream_id", st.id, "offset", sc.Valid(), "reason", scanErr)
		}
	}

	st.head = sc.Next()
	st.size = sc.Valid()
	st.loaded = true
	return nil
}

func (s *Store[T]) truncate(st *streamFile[T], size int64) error {
	w, err := s.writer(st)
	if err != nil {
		return err
	}
	if err := w.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate stream file: %w", err)
	}
	if err := w.Sync(); err != nil {
		return fmt.Errorf("failed to sync stream file: %w", err)
	}
	return nil
}

// writer returns the append handle of a stream, creating the file if needed.
// The caller holds st.mu.
func (s *Store[T]) writer(st *streamFile[T]) (*os.File, error) {
	if st.f != nil {
		return st.f, nil
	}
	_, statErr := os.Stat(st.path)
	f, err := os.OpenFile(st.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, s.config.FileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream file: %w", err)
	}
	if errors.Is(statErr, fs.ErrNotExist) {
		if err := syncDir(s.dir); err != nil {
			f.Close()
			return nil, err
		}
	}
	st.f = f
	return f, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open store directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync store directory: %w", err)
	}
	return nil
}

// Append implements store.Appender.
// The batch is written with a single write and fsynced. If the write or sync
// fails the file is truncated back to its previous length. Batches of one
// stream reach the notification engine in commit order, after the stream
// lock has been released.
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

	payloads := make([][]byte, len(events))
	for i := range events {
		data, err := s.codec.Encode(events[i])
		if err != nil {
			return es.StreamPosition{}, es.SerializationError("append", to.StreamID, err)
		}
		payloads[i] = data
	}

	st := s.stream(to.StreamID)
	if err := s.commit(ctx, st, to, events, payloads); err != nil {
		return es.StreamPosition{}, err
	}
	st.outbox.Flush(s.engine)
	return to.Next(len(events)), nil
}

// commit writes the batch and queues it on the stream's outbox.
func (s *Store[T]) commit(ctx context.Context, st *streamFile[T], to es.StreamPosition, events []T, payloads [][]byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s.closed.Load() {
		return store.ErrClosed
	}
	if err := s.load(ctx, st); err != nil {
		return err
	}
	if st.head != to.EventNumber {
		return es.ConcurrencyConflict(to.StreamID, to.EventNumber, st.head)
	}

	at := s.config.Now().UTC().Truncate(time.Microsecond)
	committed := make([]es.StoredEvent[T], len(events))
	var buf bytes.Buffer
	for i := range events {
		pos := to.Next(i)
		id := uuid.New()
		line, err := encodeRecord(pos.EventNumber, id, at, payloads[i])
		if err != nil {
			return es.SerializationError("append", to.StreamID, err)
		}
		buf.Write(line)
		committed[i] = es.StoredEvent[T]{
			Position:    pos,
			EventID:     id,
			Payload:     events[i],
			CommittedAt: at,
		}
	}

	if err := s.write(st, buf.Bytes()); err != nil {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "append failed", "stream_id", to.StreamID, "error", err)
		}
		return es.StoreError("append", to.StreamID, err)
	}
	st.head += es.EventNumber(len(events))
	st.size += int64(buf.Len())

	for i := range committed {
		committed[i].GlobalPosition = s.global.Add(1)
	}
	st.outbox.Push(committed)

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "events appended",
			"stream_id", to.StreamID, "count", len(events), "head", st.head)
	}
	return nil
}

func (s *Store[T]) write(st *streamFile[T], data []byte) error {
	w, err := s.writer(st)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	if err == nil {
		err = w.Sync()
	}
	if err != nil {
		if terr := w.Truncate(st.size); terr != nil {
			// Unknown file state: rescan on next use.
			st.loaded = false
			w.Close()
			st.f = nil
		}
		return fmt.Errorf("failed to write stream file: %w", err)
	}
	return nil
}

// Read implements store.Reader.
// The head is fixed when iteration starts; records appended while reading are
// not yielded.
func (s *Store[T]) Read(ctx context.Context, from es.StreamPosition) iter.Seq2[es.StoredEvent[T], error] {
	if err := from.StreamID.Validate(); err != nil {
		return store.ReadError[T](err)
	}
	return func(yield func(es.StoredEvent[T], error) bool) {
		head, path, err := s.snapshot(ctx, from.StreamID)
		if err != nil {
			yield(es.StoredEvent[T]{}, err)
			return
		}
		if from.EventNumber >= head {
			return
		}

		f, err := os.Open(path)
		if err != nil {
			yield(es.StoredEvent[T]{}, es.StoreError("read", from.StreamID, err))
			return
		}
		defer f.Close()

		sc := newScanner(f)
		for sc.Next() < head && sc.Scan() {
			rec := sc.Record()
			if es.EventNumber(rec.N) < from.EventNumber {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(es.StoredEvent[T]{}, err)
				return
			}
			payload, err := s.codec.Decode(rec.Payload)
			if err != nil {
				yield(es.StoredEvent[T]{}, es.SerializationError("read", from.StreamID, err))
				return
			}
			ev := es.StoredEvent[T]{
				Position:    es.At(from.StreamID, es.EventNumber(rec.N)),
				EventID:     rec.ID,
				Payload:     payload,
				CommittedAt: time.UnixMicro(rec.At).UTC(),
			}
			if !yield(ev, nil) {
				return
			}
		}
		if sc.Next() < head {
			err := sc.Err()
			if err == nil {
				err = fmt.Errorf("stream file ends at event %d, head is %d", sc.Next(), head)
			}
			yield(es.StoredEvent[T]{}, es.StoreError("read", from.StreamID, err))
		}
	}
}

// snapshot returns the committed head of a stream and the path of its file.
func (s *Store[T]) snapshot(ctx context.Context, id es.StreamID) (es.EventNumber, string, error) {
	st := s.stream(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := s.load(ctx, st); err != nil {
		return 0, "", err
	}
	return st.head, st.path, nil
}

// Head returns the next event number of a stream.
func (s *Store[T]) Head(ctx context.Context, id es.StreamID) (es.StreamPosition, error) {
	if err := id.Validate(); err != nil {
		return es.StreamPosition{}, err
	}
	head, _, err := s.snapshot(ctx, id)
	if err != nil {
		return es.StreamPosition{}, err
	}
	return es.At(id, head), nil
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

// Close stops every subscription and closes the open stream files.
func (s *Store[T]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.engine.Close()

	s.mu.Lock()
	streams := make([]*streamFile[T], 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		if st.f != nil {
			if cerr := st.f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to close stream file: %w", cerr)
			}
			st.f = nil
		}
		st.mu.Unlock()
	}
	return err
}

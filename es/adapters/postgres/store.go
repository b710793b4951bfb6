// Package postgres provides the PostgreSQL dialect of the SQL event store.
//
// Appends take a transaction-scoped advisory lock on the stream, so racing
// writers queue instead of burning sequence values on failed inserts, and
// emit pg_notify on the configured channel. The notification is delivered at
// commit. A ListenerSource turns those notifications into bridge signals for
// every process listening on the channel.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters/sqlstore"
	"github.com/getpup/pupstore/es/codec"
)

// DriverName is the database/sql driver registered by lib/pq.
const DriverName = "postgres"

// Dialect implements sqlstore.Dialect for PostgreSQL.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "postgresql" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return sqlstore.RebindDollar(query) }

// Returning implements sqlstore.Dialect.
func (Dialect) Returning() bool { return true }

// LockStream implements sqlstore.Dialect with a transaction-scoped advisory lock.
func (Dialect) LockStream(ctx context.Context, tx *sql.Tx, id es.StreamID) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(id))
	return err
}

// Notify implements sqlstore.Dialect. pg_notify inside a transaction is
// delivered when the transaction commits and dropped if it rolls back.
func (Dialect) Notify(ctx context.Context, tx *sql.Tx, channel, payload string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

// Upsert implements sqlstore.Dialect.
func (d Dialect) Upsert(table string, key, cols []string) string {
	return d.Rebind(sqlstore.UpsertExcluded(table, key, cols))
}

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool {
	return IsUniqueViolation(err)
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a pq.Error with unique_violation code (23505)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}

// Open opens a connection pool for dsn and verifies it.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewStore creates a PostgreSQL-backed store. dsn is used for the dedicated
// LISTEN connection of the notify bridge and normally matches db's.
func NewStore[T any](ctx context.Context, db *sql.DB, dsn string, c codec.Codec[T], config sqlstore.StoreConfig) (*sqlstore.Store[T], error) {
	channel := config.Channel
	if channel == "" {
		channel = sqlstore.DefaultChannel
		config.Channel = channel
	}
	source, err := NewListenerSource(dsn, channel, ListenerConfig{Logger: config.Logger})
	if err != nil {
		return nil, err
	}
	s, err := sqlstore.NewStore[T](ctx, db, Dialect{}, c, source, config)
	if err != nil {
		source.Close()
		return nil, err
	}
	return s, nil
}

// ListenerConfig configures a ListenerSource.
type ListenerConfig struct {
	// Logger is an optional logger for connection state changes.
	Logger es.Logger

	// MinReconnectInterval and MaxReconnectInterval bound the reconnect backoff.
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration

	// PingInterval is how often an idle connection is checked.
	PingInterval time.Duration
}

// ListenerSource is a sqlstore.ChangeSource fed by LISTEN on one channel.
//
// Every notification becomes a signal. After a reconnect lib/pq delivers a
// nil notification, because notifications sent while disconnected are lost;
// that is also a signal, so the bridge catches up by reading the table.
type ListenerSource struct {
	listener *pq.Listener
	ch       chan struct{}
	stop     chan struct{}
	done     chan struct{}
	config   ListenerConfig
}

// NewListenerSource connects to dsn and listens on channel.
func NewListenerSource(dsn, channel string, config ListenerConfig) (*ListenerSource, error) {
	if config.MinReconnectInterval <= 0 {
		config.MinReconnectInterval = 100 * time.Millisecond
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 90 * time.Second
	}

	logger := config.Logger
	listener := pq.NewListener(dsn, config.MinReconnectInterval, config.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if logger == nil {
				return
			}
			switch ev {
			case pq.ListenerEventConnected:
				logger.Debug(context.Background(), "listener connected", "channel", channel)
			case pq.ListenerEventReconnected:
				logger.Info(context.Background(), "listener reconnected", "channel", channel)
			case pq.ListenerEventDisconnected:
				logger.Error(context.Background(), "listener disconnected", "channel", channel, "error", err)
			case pq.ListenerEventConnectionAttemptFailed:
				logger.Error(context.Background(), "listener connection attempt failed", "channel", channel, "error", err)
			}
		})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	l := &ListenerSource{
		listener: listener,
		config:   config,
		ch:       make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *ListenerSource) run() {
	defer close(l.done)
	defer close(l.ch)

	ping := time.NewTicker(l.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case _, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			select {
			case l.ch <- struct{}{}:
			default:
			}
		case <-ping.C:
			go func() {
				//nolint:errcheck // A failed ping triggers the reconnect logic
				l.listener.Ping()
			}()
		case <-l.stop:
			return
		}
	}
}

// Changes implements sqlstore.ChangeSource.
func (l *ListenerSource) Changes() <-chan struct{} {
	return l.ch
}

// Close implements sqlstore.ChangeSource.
func (l *ListenerSource) Close() error {
	select {
	case <-l.stop:
		return nil
	default:
	}
	close(l.stop)
	<-l.done
	return l.listener.Close()
}

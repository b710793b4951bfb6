// Package sqlite provides the SQLite dialect of the SQL event store.
//
// SQLite has no notification mechanism, so the notify bridge polls. Within
// one process local commits wake the bridge immediately.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters/sqlstore"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/migrations"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// Dialect implements sqlstore.Dialect for SQLite.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "sqlite" }

// Rebind implements sqlstore.Dialect. SQLite accepts ? placeholders.
func (Dialect) Rebind(query string) string { return query }

// Returning implements sqlstore.Dialect.
func (Dialect) Returning() bool { return false }

// LockStream implements sqlstore.Dialect. Transactions opened with
// _txlock=immediate already hold the database write lock.
func (Dialect) LockStream(context.Context, *sql.Tx, es.StreamID) error { return nil }

// Notify implements sqlstore.Dialect. SQLite has no notification mechanism.
func (Dialect) Notify(context.Context, *sql.Tx, string, string) error { return nil }

// Upsert implements sqlstore.Dialect.
func (Dialect) Upsert(table string, key, cols []string) string {
	return sqlstore.UpsertExcluded(table, key, cols)
}

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool {
	return IsUniqueViolation(err)
}

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT ||
			code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	// SQLite error messages for unique constraint violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// DSN returns a connection string for the database file at path with WAL
// journaling, a busy timeout and immediate write transactions.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return filepath.Clean(path) + "?" + q.Encode()
}

// Open opens the database file at path and creates the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open(DriverName, DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	config := migrations.DefaultConfig()
	if err := migrations.Apply(ctx, db, migrations.SQLite, &config); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewStore creates a SQLite-backed store that polls for commits made by
// other processes every pollInterval.
func NewStore[T any](ctx context.Context, db *sql.DB, c codec.Codec[T], pollInterval time.Duration, config sqlstore.StoreConfig) (*sqlstore.Store[T], error) {
	source := sqlstore.NewPollSource(pollInterval)
	s, err := sqlstore.NewStore[T](ctx, db, Dialect{}, c, source, config)
	if err != nil {
		source.Close()
		return nil, err
	}
	return s, nil
}

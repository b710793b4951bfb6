// Package mysql provides the MySQL/MariaDB dialect of the SQL event store.
//
// MySQL has no notification mechanism the driver can listen on, so the
// notify bridge polls. Appends to one stream serialize on a row of the
// stream locks table (see migrations.LocksTable), taken before any event is
// inserted. A losing append therefore fails its head check without drawing
// an auto-increment value, and never leaves a hole the bridge has to wait
// out. The unique key on (stream_id, event_number) stays as a backstop.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/adapters/sqlstore"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/migrations"
)

// Dialect implements sqlstore.Dialect for MySQL and MariaDB.
type Dialect struct {
	// LocksTable is the stream locks table created by the migrations.
	// Defaults to the lock table of the "events" table.
	LocksTable string
}

var _ sqlstore.Dialect = Dialect{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "mysql" }

// Rebind implements sqlstore.Dialect. MySQL accepts ? placeholders.
func (Dialect) Rebind(query string) string { return query }

// Returning implements sqlstore.Dialect.
func (Dialect) Returning() bool { return false }

// LockStream implements sqlstore.Dialect. The upsert holds an exclusive
// lock on the stream's row until tx ends, whether or not it inserted it.
func (d Dialect) LockStream(ctx context.Context, tx *sql.Tx, id es.StreamID) error {
	_, err := tx.ExecContext(ctx, d.lockQuery(), string(id))
	return err
}

func (d Dialect) lockQuery() string {
	table := d.LocksTable
	if table == "" {
		table = migrations.LocksTable("events")
	}
	return fmt.Sprintf("INSERT INTO %s (stream_id) VALUES (?) ON DUPLICATE KEY UPDATE stream_id = stream_id", table)
}

// Notify implements sqlstore.Dialect. MySQL has no notification mechanism.
func (Dialect) Notify(context.Context, *sql.Tx, string, string) error { return nil }

// Upsert implements sqlstore.Dialect.
func (Dialect) Upsert(table string, key, cols []string) string {
	all := append(append([]string{}, key...), cols...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(all, ", "), placeholders, strings.Join(sets, ", "))
}

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool {
	return IsUniqueViolation(err)
}

// IsUniqueViolation checks if an error is a MySQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a MySQL error with duplicate entry code (1062)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "duplicate key") ||
		strings.Contains(errMsg, "unique constraint")
}

// Open parses dsn and opens a connection pool through the driver's connector.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewStore creates a MySQL-backed store that polls for commits made by other
// processes every pollInterval.
func NewStore[T any](ctx context.Context, db *sql.DB, c codec.Codec[T], pollInterval time.Duration, config sqlstore.StoreConfig) (*sqlstore.Store[T], error) {
	var d Dialect
	if config.EventsTable != "" {
		d.LocksTable = migrations.LocksTable(config.EventsTable)
	}
	source := sqlstore.NewPollSource(pollInterval)
	s, err := sqlstore.NewStore[T](ctx, db, d, c, source, config)
	if err != nil {
		source.Close()
		return nil, err
	}
	return s, nil
}

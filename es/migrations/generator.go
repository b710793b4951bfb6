// Package migrations provides SQL migration generation for the event store schema.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/getpup/pupstore/es"
)

// Dialect names a supported SQL database.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

var (
	// ErrUnsupportedDialect indicates a dialect without a schema.
	ErrUnsupportedDialect = errors.New("unsupported dialect")

	// ErrInvalidTableName indicates a table name that is not a plain SQL identifier.
	ErrInvalidTableName = errors.New("invalid table name")
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ParseDialect returns the dialect with the given name.
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(name))); d {
	case Postgres, MySQL, SQLite:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q (supported: postgres, mysql, sqlite)", ErrUnsupportedDialect, name)
	}
}

// Config configures migration generation.
type Config struct {
	// Generated is the timestamp written into the file header.
	// If zero, the current time is used.
	Generated time.Time

	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// EventsTable is the name of the events table
	EventsTable string

	// CheckpointsTable is the name of the projection checkpoints table
	CheckpointsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:     "migrations",
		OutputFilename:   fmt.Sprintf("%s_init_event_store.sql", timestamp),
		EventsTable:      "events",
		CheckpointsTable: "projection_checkpoints",
	}
}

// LocksTable returns the name of the per-stream lock table MySQL appends
// serialize on.
func (c *Config) LocksTable() string {
	return LocksTable(c.EventsTable)
}

// LocksTable returns the lock table name for the given events table.
func LocksTable(eventsTable string) string {
	return eventsTable + "_locks"
}

func (c *Config) validate() error {
	for _, name := range []string{c.EventsTable, c.CheckpointsTable, c.LocksTable()} {
		if !identifier.MatchString(name) {
			return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
		}
	}
	return nil
}

type statement struct {
	comment string
	sql     string
}

func statements(d Dialect, c *Config) ([]statement, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	switch d {
	case Postgres:
		return postgresStatements(c), nil
	case MySQL:
		return mysqlStatements(c), nil
	case SQLite:
		return sqliteStatements(c), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, d)
	}
}

// Statements returns the schema as individual statements without trailing
// semicolons, ready to be executed one by one.
func Statements(d Dialect, config *Config) ([]string, error) {
	stmts, err := statements(d, config)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = s.sql
	}
	return out, nil
}

// Render returns the content of a migration file.
func Render(d Dialect, config *Config) (string, error) {
	stmts, err := statements(d, config)
	if err != nil {
		return "", err
	}
	generated := config.Generated
	if generated.IsZero() {
		generated = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "-- Event Store Migration (%s)\n", d)
	fmt.Fprintf(&b, "-- Generated: %s\n", generated.UTC().Format(time.RFC3339))
	for _, s := range stmts {
		b.WriteString("\n")
		for _, line := range strings.Split(s.comment, "\n") {
			fmt.Fprintf(&b, "-- %s\n", line)
		}
		b.WriteString(s.sql)
		b.WriteString(";\n")
	}
	return b.String(), nil
}

// Generate writes the migration file for a dialect.
func Generate(d Dialect, config *Config) error {
	sql, err := Render(d, config)
	if err != nil {
		return err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(Postgres, config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(MySQL, config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(SQLite, config)
}

// Apply creates the schema on db. Every statement is idempotent.
func Apply(ctx context.Context, db es.DBTX, d Dialect, config *Config) error {
	stmts, err := Statements(d, config)
	if err != nil {
		return err
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration statement %d: %w", i+1, err)
		}
	}
	return nil
}

func postgresStatements(c *Config) []statement {
	return []statement{
		{
			comment: "Events table: append-only log of every stream.\n" +
				"global_position orders commits across streams; (stream_id, event_number)\n" +
				"enforces optimistic concurrency. BYTEA for payload keeps the codec opaque.",
			sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    global_position BIGSERIAL PRIMARY KEY,
    stream_id TEXT NOT NULL,
    event_number BIGINT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    payload BYTEA NOT NULL,
    committed_at_us BIGINT NOT NULL,
    UNIQUE (stream_id, event_number)
)`, c.EventsTable),
		},
		{
			comment: "Projection checkpoints: next event number per projection and stream",
			sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    projection_name TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    event_number BIGINT NOT NULL,
    updated_at_us BIGINT NOT NULL,
    PRIMARY KEY (projection_name, stream_id)
)`, c.CheckpointsTable),
		},
	}
}

func mysqlStatements(c *Config) []statement {
	return []statement{
		{
			comment: "Events table: append-only log of every stream.\n" +
				"global_position orders commits across streams; (stream_id, event_number)\n" +
				"enforces optimistic concurrency. LONGBLOB for payload keeps the codec opaque.",
			sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    global_position BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    stream_id VARCHAR(255) NOT NULL,
    event_number BIGINT NOT NULL,
    event_id CHAR(36) NOT NULL,
    payload LONGBLOB NOT NULL,
    committed_at_us BIGINT NOT NULL,
    UNIQUE KEY uq_%s_event_id (event_id),
    UNIQUE KEY uq_%s_stream (stream_id, event_number)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`, c.EventsTable, c.EventsTable, c.EventsTable),
		},
		{
			comment: "Projection checkpoints: next event number per projection and stream",
			sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    projection_name VARCHAR(255) NOT NULL,
    stream_id VARCHAR(255) NOT NULL,
    event_number BIGINT NOT NULL,
    updated_at_us BIGINT NOT NULL,
    PRIMARY KEY (projection_name, stream_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`, c.CheckpointsTable),
		},
		{
			comment: "Stream locks: one row per stream, locked by every append to it so\n" +
				"racing appends never allocate global positions they cannot commit.",
			sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    stream_id VARCHAR(255) NOT NULL PRIMARY KEY
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`, c.LocksTable()),
		},
	}
}

func sqliteStatements(c *Config) []statement {
	return []statement{
		{
			comment: "Events table: append-only log of every stream.\n" +
				"global_position is the rowid, so rolled back appends leave no gaps.",
			sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    global_position INTEGER PRIMARY KEY,
    stream_id TEXT NOT NULL,
    event_number INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    payload BLOB NOT NULL,
    committed_at_us INTEGER NOT NULL,
    UNIQUE (stream_id, event_number)
)`, c.EventsTable),
		},
		{
			comment: "Projection checkpoints: next event number per projection and stream",
			sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    projection_name TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    event_number INTEGER NOT NULL,
    updated_at_us INTEGER NOT NULL,
    PRIMARY KEY (projection_name, stream_id)
)`, c.CheckpointsTable),
		},
	}
}

package migrations

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func goldenConfig() Config {
	return Config{
		Generated:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		EventsTable:      "events",
		CheckpointsTable: "projection_checkpoints",
	}
}

func TestRender_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, d := range []Dialect{Postgres, MySQL, SQLite} {
		t.Run(string(d), func(t *testing.T) {
			config := goldenConfig()
			sql, err := Render(d, &config)
			require.NoError(t, err)
			g.Assert(t, string(d), []byte(sql))
		})
	}
}

func TestGeneratePostgres(t *testing.T) {
	tmpDir := t.TempDir()

	config := goldenConfig()
	config.OutputFolder = tmpDir
	config.OutputFilename = "test_migration.sql"

	require.NoError(t, GeneratePostgres(&config))

	content, err := os.ReadFile(filepath.Join(tmpDir, config.OutputFilename))
	require.NoError(t, err)

	sql := string(content)
	for _, required := range []string{
		"CREATE TABLE IF NOT EXISTS events",
		"global_position BIGSERIAL PRIMARY KEY",
		"stream_id TEXT NOT NULL",
		"event_number BIGINT NOT NULL",
		"event_id UUID NOT NULL UNIQUE",
		"payload BYTEA NOT NULL",
		"UNIQUE (stream_id, event_number)",
		"CREATE TABLE IF NOT EXISTS projection_checkpoints",
		"PRIMARY KEY (projection_name, stream_id)",
	} {
		assert.Contains(t, sql, required)
	}
}

func TestGenerate_CustomTableNames(t *testing.T) {
	tmpDir := t.TempDir()

	for _, d := range []Dialect{Postgres, MySQL, SQLite} {
		config := Config{
			OutputFolder:     tmpDir,
			OutputFilename:   string(d) + ".sql",
			EventsTable:      "custom_events",
			CheckpointsTable: "custom_checkpoints",
		}
		require.NoError(t, Generate(d, &config))

		content, err := os.ReadFile(filepath.Join(tmpDir, config.OutputFilename))
		require.NoError(t, err)
		sql := string(content)
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS custom_events")
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS custom_checkpoints")
		assert.NotContains(t, sql, "EXISTS events ")
		if d == MySQL {
			assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS custom_events_locks")
		} else {
			assert.NotContains(t, sql, "_locks")
		}
	}
}

func TestRender_RejectsBadInput(t *testing.T) {
	config := goldenConfig()
	config.EventsTable = "events; DROP TABLE users"
	_, err := Render(Postgres, &config)
	assert.ErrorIs(t, err, ErrInvalidTableName)

	// The derived lock table name must stay a valid identifier too.
	config = goldenConfig()
	config.EventsTable = strings.Repeat("e", 60)
	_, err = Render(MySQL, &config)
	assert.ErrorIs(t, err, ErrInvalidTableName)

	config = goldenConfig()
	_, err = Render(Dialect("oracle"), &config)
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect(" Postgres ")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	_, err = ParseDialect("mssql")
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
}

func TestStatements_NoTrailingSemicolons(t *testing.T) {
	config := goldenConfig()
	stmts, err := Statements(MySQL, &config)
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	for _, s := range stmts {
		assert.False(t, strings.HasSuffix(strings.TrimSpace(s), ";"))
	}
}

func TestApply_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	config := goldenConfig()
	require.NoError(t, Apply(ctx, db, SQLite, &config))
	// Idempotent.
	require.NoError(t, Apply(ctx, db, SQLite, &config))

	_, err = db.ExecContext(ctx,
		`INSERT INTO events (stream_id, event_number, event_id, payload, committed_at_us) VALUES (?, ?, ?, ?, ?)`,
		"S", 0, "id-1", []byte("x"), 1)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO events (stream_id, event_number, event_id, payload, committed_at_us) VALUES (?, ?, ?, ?, ?)`,
		"S", 0, "id-2", []byte("y"), 2)
	assert.Error(t, err, "duplicate event number must be rejected")
}

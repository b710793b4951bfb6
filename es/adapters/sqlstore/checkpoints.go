package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/projection"
)

// Checkpoints is a projection.CheckpointStore kept in the projection_checkpoints table.
type Checkpoints struct {
	db   es.DBTX
	now  func() time.Time
	load string
	save string
}

var _ projection.CheckpointStore = (*Checkpoints)(nil)

// NewCheckpoints creates a checkpoint store on db. An empty table selects
// projection_checkpoints.
func NewCheckpoints(db es.DBTX, dialect Dialect, table string) *Checkpoints {
	if table == "" {
		table = "projection_checkpoints"
	}
	return &Checkpoints{
		db:  db,
		now: time.Now,
		load: dialect.Rebind(fmt.Sprintf(
			`SELECT event_number FROM %s WHERE projection_name = ? AND stream_id = ?`, table)),
		save: dialect.Upsert(table,
			[]string{"projection_name", "stream_id"},
			[]string{"event_number", "updated_at_us"}),
	}
}

// Load implements projection.CheckpointStore.
func (c *Checkpoints) Load(ctx context.Context, name string, id es.StreamID) (es.StreamPosition, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, c.load, name, string(id)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return es.Start(id), nil
	}
	if err != nil {
		return es.StreamPosition{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return es.At(id, es.EventNumber(n)), nil
}

// Save implements projection.CheckpointStore.
func (c *Checkpoints) Save(ctx context.Context, name string, pos es.StreamPosition) error {
	_, err := c.db.ExecContext(ctx, c.save, name, string(pos.StreamID), int64(pos.EventNumber), c.now().UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

package mysql

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"duplicate entry", &mysql.MySQLError{Number: 1062}, true},
		{"wrapped duplicate entry", fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062}), true},
		{"lock wait timeout", &mysql.MySQLError{Number: 1205}, false},
		{"message fallback", errors.New("Error 1062: Duplicate entry 'a-0' for key 'uq_events_stream'"), true},
		{"other", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}

func TestDialect(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, "mysql", d.Name())
	assert.False(t, d.Returning())
	assert.Equal(t, "a = ? AND b = ?", d.Rebind("a = ? AND b = ?"))
	assert.Equal(t,
		"INSERT INTO projection_checkpoints (projection_name, stream_id, event_number, updated_at_us) VALUES (?, ?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE event_number = VALUES(event_number), updated_at_us = VALUES(updated_at_us)",
		d.Upsert("projection_checkpoints", []string{"projection_name", "stream_id"}, []string{"event_number", "updated_at_us"}))
}

func TestDialect_LockQuery(t *testing.T) {
	assert.Equal(t,
		"INSERT INTO events_locks (stream_id) VALUES (?) ON DUPLICATE KEY UPDATE stream_id = stream_id",
		Dialect{}.lockQuery())
	assert.Equal(t,
		"INSERT INTO orders_locks (stream_id) VALUES (?) ON DUPLICATE KEY UPDATE stream_id = stream_id",
		Dialect{LocksTable: "orders_locks"}.lockQuery())
}

func TestOpen_RejectsBadDSN(t *testing.T) {
	_, err := Open(context.Background(), "not a dsn")
	assert.Error(t, err)
}

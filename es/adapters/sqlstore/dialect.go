package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getpup/pupstore/es"
)

// Dialect captures what differs between the supported databases.
type Dialect interface {
	// Name identifies the database in logs and spans.
	Name() string

	// Rebind rewrites a query written with ? placeholders into the
	// database's placeholder syntax.
	Rebind(query string) string

	// Returning reports whether INSERT ... RETURNING is supported. Without it
	// the global position is taken from sql.Result.LastInsertId.
	Returning() bool

	// LockStream serializes appends to one stream for the rest of tx.
	// Dialects whose transactions already serialize writers return nil.
	LockStream(ctx context.Context, tx *sql.Tx, id es.StreamID) error

	// Notify signals other processes that tx commits events. The signal must
	// only become visible when tx commits. Dialects without a notification
	// mechanism return nil and rely on polling.
	Notify(ctx context.Context, tx *sql.Tx, channel, payload string) error

	// Upsert returns an insert-or-update statement for table, keyed by key,
	// setting every column in cols.
	Upsert(table string, key, cols []string) string

	// IsUniqueViolation reports whether err is a unique constraint violation.
	IsUniqueViolation(err error) bool
}

// RebindDollar rewrites ? placeholders into $1, $2, ... outside quoted strings.
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
			b.WriteByte(c)
		case c == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// UpsertExcluded builds an INSERT ... ON CONFLICT DO UPDATE statement with ?
// placeholders, as understood by PostgreSQL and SQLite.
func UpsertExcluded(table string, key, cols []string) string {
	all := append(append([]string{}, key...), cols...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(all, ", "), placeholders, strings.Join(key, ", "), strings.Join(sets, ", "))
}

// ChangeSource signals that events may have been committed by any process.
// A signal carries no data: the bridge reads the events table after it.
type ChangeSource interface {
	// Changes returns the signal channel. It is closed when the source closes.
	Changes() <-chan struct{}

	// Close stops the source.
	Close() error
}

// PollSource signals at a fixed interval.
type PollSource struct {
	ch     chan struct{}
	stop   chan struct{}
	ticker *time.Ticker
	once   sync.Once
}

// NewPollSource starts a source that signals every interval.
func NewPollSource(interval time.Duration) *PollSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &PollSource{
		ch:     make(chan struct{}, 1),
		stop:   make(chan struct{}),
		ticker: time.NewTicker(interval),
	}
	go p.run()
	return p
}

func (p *PollSource) run() {
	defer close(p.ch)
	for {
		select {
		case <-p.ticker.C:
			select {
			case p.ch <- struct{}{}:
			default:
			}
		case <-p.stop:
			return
		}
	}
}

// Changes implements ChangeSource.
func (p *PollSource) Changes() <-chan struct{} {
	return p.ch
}

// Close implements ChangeSource.
func (p *PollSource) Close() error {
	p.once.Do(func() {
		p.ticker.Stop()
		close(p.stop)
	})
	return nil
}

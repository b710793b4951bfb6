package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
)

// row is an event as read by the bridge, before decoding.
type row struct {
	eventID uuid.UUID
	stream  es.StreamID
	payload []byte
	gp      int64
	n       int64
	at      int64
}

// signal wakes the bridge after a local commit.
func (s *Store[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// abandon records global positions allocated by a rolled back append, so the
// bridge does not wait for them.
func (s *Store[T]) abandon(positions []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, gp := range positions {
		s.abandoned[gp] = struct{}{}
	}
}

func (s *Store[T]) takeAbandoned(gp int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.abandoned[gp]; ok {
		delete(s.abandoned, gp)
		return true
	}
	return false
}

func (s *Store[T]) pruneAbandoned(cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for gp := range s.abandoned {
		if gp <= cursor {
			delete(s.abandoned, gp)
		}
	}
}

// run is the notify bridge loop. It owns cursor, gapFrom and gapSince.
func (s *Store[T]) run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	changes := s.source.Changes()

	for {
		wait, err := s.pump(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if s.config.Logger != nil {
				s.config.Logger.Error(ctx, "notify bridge read failed",
					"dialect", s.dialect.Name(), "cursor", s.cursor, "error", err)
			}
			wait = s.config.RetryInterval
		}
		if wait > 0 {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		case <-timer.C:
		}
		timer.Stop()
	}
}

// pump publishes every event above the cursor that can be published in
// order. A positive duration means a gap is pending and pump should run again
// after it even without a signal.
func (s *Store[T]) pump(ctx context.Context) (time.Duration, error) {
	for {
		rows, err := s.readAfter(ctx, s.cursor)
		if err != nil {
			return 0, err
		}
		ready, wait := s.order(ctx, rows)
		s.publish(ctx, ready)
		s.pruneAbandoned(s.cursor)
		if wait > 0 || len(rows) < s.config.BatchSize {
			return wait, nil
		}
	}
}

// order advances the cursor over rows and returns the prefix that is
// contiguous with it. Holes are filled by abandoned positions, waited for,
// or skipped after GapTimeout.
func (s *Store[T]) order(ctx context.Context, rows []row) ([]row, time.Duration) {
	now := time.Now()
	ready := rows[:0:0]
	for _, r := range rows {
		for r.gp > s.cursor+1 && s.takeAbandoned(s.cursor+1) {
			s.cursor++
		}
		if r.gp > s.cursor+1 {
			if s.gapFrom != s.cursor+1 {
				s.gapFrom, s.gapSince = s.cursor+1, now
			}
			if wait := s.config.GapTimeout - now.Sub(s.gapSince); wait > 0 {
				return ready, wait
			}
			if s.config.Logger != nil {
				s.config.Logger.Info(ctx, "skipping missing global positions",
					"from", s.cursor+1, "to", r.gp-1, "waited", now.Sub(s.gapSince).String())
			}
			s.cursor = r.gp - 1
		}
		ready = append(ready, r)
		s.cursor = r.gp
	}
	return ready, 0
}

func (s *Store[T]) publish(ctx context.Context, rows []row) {
	if len(rows) == 0 {
		return
	}
	events := make([]es.StoredEvent[T], 0, len(rows))
	for _, r := range rows {
		payload, err := s.codec.Decode(r.payload)
		if err != nil {
			// Stream subscribers notice the hole and surface the error from Read.
			if s.config.Logger != nil {
				s.config.Logger.Error(ctx, "notify bridge failed to decode event",
					"stream_id", r.stream, "event_number", r.n, "error", err)
			}
			continue
		}
		events = append(events, es.StoredEvent[T]{
			Position:       es.At(r.stream, es.EventNumber(r.n)),
			EventID:        r.eventID,
			Payload:        payload,
			CommittedAt:    time.UnixMicro(r.at).UTC(),
			GlobalPosition: r.gp,
		})
	}
	s.engine.Publish(events...)
}

func (s *Store[T]) readAfter(ctx context.Context, cursor int64) ([]row, error) {
	rows, err := s.db.QueryContext(ctx, s.q.readAfter, cursor, s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var (
			r      row
			stream string
		)
		if err := rows.Scan(&r.gp, &stream, &r.n, &r.eventID, &r.payload, &r.at); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		r.stream = es.StreamID(stream)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

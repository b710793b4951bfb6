package store

import (
	"context"
	"fmt"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/notify"
)

// Live turns an engine subscriber into a Subscription. Events for which keep
// returns false are skipped; a nil keep passes everything.
// The engine subscriber is closed when the subscription ends.
func Live[T any](ctx context.Context, sub *notify.Subscriber[T], keep func(es.StoredEvent[T]) bool) *Subscription[T] {
	ctx, stop := abortOnDrop(ctx, sub)
	return NewSubscription(ctx, func(ctx context.Context, emit func(es.StoredEvent[T]) bool) error {
		defer stop()
		defer sub.Close()
		for {
			select {
			case ev := <-sub.C():
				if keep != nil && !keep(ev) {
					continue
				}
				if !emit(ev) {
					return context.Cause(ctx)
				}
			case <-sub.Done():
				return drainStopped(ctx, sub, func(ev es.StoredEvent[T]) bool {
					return (keep != nil && !keep(ev)) || emit(ev)
				})
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
	})
}

// CatchUp delivers the history of a stream from a position and then switches to
// live events from sub, which must already be registered for the same stream.
//
// Registering before reading history is what closes the gap between the two:
// an event committed while history is replayed is both read and queued on sub,
// and the duplicate is dropped by event number. A live event beyond the next
// expected number means notifications were lost; the missing range is re-read
// from r before continuing.
func CatchUp[T any](ctx context.Context, r Reader[T], from es.StreamPosition, sub *notify.Subscriber[T]) *Subscription[T] {
	ctx, stop := abortOnDrop(ctx, sub)
	return NewSubscription(ctx, func(ctx context.Context, emit func(es.StoredEvent[T]) bool) error {
		defer stop()
		defer sub.Close()

		c := catchUp[T]{reader: r, stream: from.StreamID, next: from.EventNumber, emit: emit}
		if err := c.replay(ctx); err != nil {
			return err
		}

		for {
			select {
			case ev := <-sub.C():
				if err := c.live(ctx, ev); err != nil {
					return err
				}
			case <-sub.Done():
				var liveErr error
				err := drainStopped(ctx, sub, func(ev es.StoredEvent[T]) bool {
					liveErr = c.live(ctx, ev)
					return liveErr == nil
				})
				if liveErr != nil {
					return liveErr
				}
				return err
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
	})
}

type catchUp[T any] struct {
	reader Reader[T]
	emit   func(es.StoredEvent[T]) bool
	stream es.StreamID
	next   es.EventNumber
}

// replay emits every committed event from c.next on.
func (c *catchUp[T]) replay(ctx context.Context) error {
	for ev, err := range c.reader.Read(ctx, es.At(c.stream, c.next)) {
		if err != nil {
			return err
		}
		if ev.Number() < c.next {
			continue
		}
		if !c.emit(ev) {
			return context.Cause(ctx)
		}
		c.next = ev.Number() + 1
	}
	return context.Cause(ctx)
}

func (c *catchUp[T]) live(ctx context.Context, ev es.StoredEvent[T]) error {
	switch {
	case ev.Number() < c.next:
		return nil
	case ev.Number() > c.next:
		if err := c.replay(ctx); err != nil {
			return err
		}
		if ev.Number() < c.next {
			return nil
		}
		if ev.Number() > c.next {
			return es.StoreError("subscribe", c.stream,
				fmt.Errorf("event %d was notified but events from %d are not readable", ev.Number(), c.next))
		}
	}
	if !c.emit(ev) {
		return context.Cause(ctx)
	}
	c.next = ev.Number() + 1
	return nil
}

// drainStopped hands over whatever is still queued on a stopped engine
// subscriber and returns the reason it stopped.
func drainStopped[T any](ctx context.Context, sub *notify.Subscriber[T], handle func(es.StoredEvent[T]) bool) error {
	for {
		select {
		case ev := <-sub.C():
			if !handle(ev) {
				return context.Cause(ctx)
			}
		default:
			if err := sub.Err(); err != nil {
				return err
			}
			return context.Cause(ctx)
		}
	}
}

// abortOnDrop cancels ctx with the subscriber's error when the engine drops it
// for falling behind, so a pump blocked on an idle consumer ends promptly.
// A closed engine does not abort; queued events are still handed over.
func abortOnDrop[T any](ctx context.Context, sub *notify.Subscriber[T]) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-sub.Done():
			if err := sub.Err(); es.KindOf(err) == es.KindDelivery {
				cancel(err)
			}
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

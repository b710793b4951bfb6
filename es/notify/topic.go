package notify

import (
	"sync"
	"time"

	"github.com/getpup/pupstore/es"
)

// topic fans events out to every subscriber of one stream, or of the global feed.
type topic[T any] struct {
	subs    map[uint64]*Subscriber[T]
	stream  es.StreamID
	mu      sync.Mutex
	pub     sync.Mutex
	retired bool
}

func newTopic[T any](stream es.StreamID) *topic[T] {
	return &topic[T]{
		stream: stream,
		subs:   make(map[uint64]*Subscriber[T]),
	}
}

// add registers s. It fails once the topic has been retired, in which case the
// caller must fetch or create a fresh topic.
func (t *topic[T]) add(s *Subscriber[T]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired {
		return false
	}
	t.subs[s.id] = s
	return true
}

// remove drops s and reports whether the topic just became empty and retired.
// The global topic is never retired.
func (t *topic[T]) remove(s *Subscriber[T], retire bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s.id)
	if retire && len(t.subs) == 0 && !t.retired {
		t.retired = true
		return true
	}
	return false
}

func (t *topic[T]) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *topic[T]) snapshot() []*Subscriber[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Subscriber[T], 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}

// publish hands events to every current subscriber, in order.
// Subscribers with a full inbox are retried concurrently with backoff; one that
// stays full for the whole schedule is dropped and the rest carry on.
func (t *topic[T]) publish(events []es.StoredEvent[T], backoff Backoff, onDrop func(*Subscriber[T])) {
	t.pub.Lock()
	defer t.pub.Unlock()

	for i := range events {
		subs := t.snapshot()
		if len(subs) == 0 {
			return
		}

		var lagging []*Subscriber[T]
		for _, s := range subs {
			select {
			case s.inbox <- events[i]:
			case <-s.done:
			default:
				lagging = append(lagging, s)
			}
		}
		if len(lagging) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, s := range lagging {
			wg.Add(1)
			go func(s *Subscriber[T]) {
				defer wg.Done()
				if !deliverWithBackoff(s, events[i], backoff) {
					onDrop(s)
				}
			}(s)
		}
		wg.Wait()
	}
}

// deliverWithBackoff retries a send until it succeeds, the subscriber goes away,
// or the backoff schedule runs out. It returns false only in the last case.
func deliverWithBackoff[T any](s *Subscriber[T], ev es.StoredEvent[T], backoff Backoff) bool {
	for attempt := 0; ; attempt++ {
		delay, ok := backoff.Delay(attempt)
		if !ok {
			return false
		}
		timer := time.NewTimer(delay)
		select {
		case s.inbox <- ev:
			timer.Stop()
			return true
		case <-s.done:
			timer.Stop()
			return true
		case <-timer.C:
		}
	}
}

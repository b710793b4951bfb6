package notify

import (
	"sync"

	"github.com/getpup/pupstore/es"
)

// Outbox hands the committed batches of one stream to an engine in commit
// order without the stream's data lock being held during delivery.
//
// A writer pushes its batch while still holding the lock that ordered the
// commit, releases that lock, then calls Flush. Readers of the stream can
// therefore take the data lock while a subscriber's inbox is full, which is
// what lets a catching-up subscriber drain it.
//
// The zero value is ready to use.
type Outbox[T any] struct {
	mu      sync.Mutex // guards pending
	publish sync.Mutex // held while batches are handed to the engine
	pending [][]es.StoredEvent[T]
}

// Push queues a committed batch.
func (o *Outbox[T]) Push(events []es.StoredEvent[T]) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	o.pending = append(o.pending, events)
	o.mu.Unlock()
}

// Flush publishes every queued batch to e in push order. When it returns,
// every batch pushed before the call has been handed to e, by this call or
// by a concurrent one.
func (o *Outbox[T]) Flush(e *Engine[T]) {
	o.publish.Lock()
	defer o.publish.Unlock()

	o.mu.Lock()
	batches := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, batch := range batches {
		e.Publish(batch...)
	}
}

// Package es provides the core types of the pupstore event store.
//
// # Overview
//
// This package defines the values shared by every backend:
//   - StreamID: names an ordered, append-only stream of events
//   - StreamPosition: a cursor into a stream, also the expected head on append
//   - StoredEvent: an event after commit, with its number and commit time
//   - Error: a categorized failure (conflict, store, serialization, delivery)
//   - Logger: optional structured logging hook
//
// The Store contract lives in the store package, live fan-out in notify, and
// the backends under adapters.
//
// # Quick Start
//
// 1. Open a store:
//
//	import (
//	    "github.com/getpup/pupstore/es"
//	    "github.com/getpup/pupstore/es/adapters/memory"
//	)
//
//	s := memory.NewStore[OrderEvent](memory.DefaultStoreConfig())
//	defer s.Close()
//
// 2. Append events at the head you expect:
//
//	head, err := s.Append(ctx, es.Start("order-42"), created, paid)
//	if conflict, ok := es.AsConflict(err); ok {
//	    // someone else appended first; conflict.Actual is the real head
//	}
//
// 3. Read history:
//
//	for ev, err := range s.Read(ctx, es.Start("order-42")) {
//	    ...
//	}
//
// 4. Follow a stream, history first then live:
//
//	sub, err := s.Subscribe(ctx, es.Start("order-42"))
//	defer sub.Close()
//	for ev, err := range sub.All() {
//	    ...
//	}
//
// # Optimistic Concurrency
//
// Append takes the position the caller believes is the stream head. If the
// stream has moved on, nothing is written and an Error of kind
// KindConcurrencyConflict reports the expected and actual heads.
// Appending zero events fails with store.ErrNoEvents.
//
// # Delivery
//
// Subscribers receive events in stream order without gaps or duplicates.
// A subscriber that stops draining its buffer is retried with exponential
// backoff and then dropped with a KindDelivery error, so one slow reader
// cannot stall writers or other readers.
//
// # Design Decisions
//
// Generic payloads: stores are parameterized by the event type. Backends
// that persist bytes take a codec.Codec, so JSON, Protobuf or any other
// encoding can be used.
//
// Event numbers per stream: ordering is defined within a stream. Each
// event also carries a global position, which orders SubscribeAll across
// streams on a best-effort basis.
package es

// Package es provides core event sourcing interfaces and types.
package es

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyStreamID indicates a stream identifier with no characters.
var ErrEmptyStreamID = errors.New("stream id must not be empty")

// StreamID identifies one append-only log.
// Equality is exact string equality.
type StreamID string

// Validate returns ErrEmptyStreamID for the zero value.
func (id StreamID) Validate() error {
	if id == "" {
		return ErrEmptyStreamID
	}
	return nil
}

// String implements fmt.Stringer.
func (id StreamID) String() string {
	return string(id)
}

// EventNumber is the zero-based index of an event within its stream.
type EventNumber uint64

// StreamPosition is a cursor into a stream: the event at EventNumber is read next.
// EventNumber 0 is the beginning of the stream.
//
// When passed to Append, EventNumber is the head the caller expects the stream to have.
type StreamPosition struct {
	StreamID    StreamID
	EventNumber EventNumber
}

// Start returns the position at the beginning of the stream.
func Start(id StreamID) StreamPosition {
	return StreamPosition{StreamID: id}
}

// At returns the position of the given event number within the stream.
func At(id StreamID, n EventNumber) StreamPosition {
	return StreamPosition{StreamID: id, EventNumber: n}
}

// Next returns the position advanced by n events.
func (p StreamPosition) Next(n int) StreamPosition {
	return StreamPosition{StreamID: p.StreamID, EventNumber: p.EventNumber + EventNumber(n)}
}

// IsStart reports whether the position is at the beginning of its stream.
func (p StreamPosition) IsStart() bool {
	return p.EventNumber == 0
}

// String returns "stream@n".
func (p StreamPosition) String() string {
	return fmt.Sprintf("%s@%d", p.StreamID, p.EventNumber)
}

// StoredEvent is an event that has been committed to a stream.
// It is created once, at append time, and never mutated afterwards.
// Backends hand StoredEvents to readers and subscribers by value.
type StoredEvent[T any] struct {
	// CommittedAt is when the backend committed the event
	CommittedAt time.Time

	// Payload is the decoded event data
	Payload T

	// Position locates the event: its stream and event number
	Position StreamPosition

	// EventID uniquely identifies the stored event across all streams
	EventID uuid.UUID

	// GlobalPosition is the backend's commit sequence across all streams.
	// It is zero for backends that keep no global sequence.
	GlobalPosition int64
}

// StreamID returns the stream the event belongs to.
func (e StoredEvent[T]) StreamID() StreamID {
	return e.Position.StreamID
}

// Number returns the event number within its stream.
func (e StoredEvent[T]) Number() EventNumber {
	return e.Position.EventNumber
}

// Head returns the position just past this event.
func (e StoredEvent[T]) Head() StreamPosition {
	return e.Position.Next(1)
}

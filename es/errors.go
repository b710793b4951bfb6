package es

import (
	"errors"
	"fmt"
)

// ErrorKind classifies store errors. The set is closed: callers can switch on it
// exhaustively.
type ErrorKind int

const (
	// KindUnknown is reported by KindOf for errors not produced by the store.
	KindUnknown ErrorKind = iota

	// KindConcurrencyConflict means the expected head did not match the actual head.
	// The caller reloads and retries; the store never retries on its own.
	KindConcurrencyConflict

	// KindStore covers I/O, connection and resource failures.
	KindStore

	// KindSerialization means a payload could not be encoded or decoded.
	KindSerialization

	// KindDelivery means a subscriber could not keep up and its feed was terminated.
	KindDelivery
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindConcurrencyConflict:
		return "ConcurrencyConflict"
	case KindStore:
		return "StoreError"
	case KindSerialization:
		return "SerializationError"
	case KindDelivery:
		return "DeliveryError"
	default:
		return "Unknown"
	}
}

// ErrOptimisticConcurrency indicates a version conflict during append.
// Every KindConcurrencyConflict error matches it with errors.Is.
var ErrOptimisticConcurrency = errors.New("optimistic concurrency conflict")

// Error is the error type returned by stores.
type Error struct {
	// Err is the underlying cause, if any
	Err error

	// Op names the operation that failed (append, read, subscribe, ...)
	Op string

	// StreamID is the stream involved, if any
	StreamID StreamID

	// Expected and Actual are the heads compared by a conflicting append
	Expected EventNumber
	Actual   EventNumber

	Kind ErrorKind
}

// ConcurrencyConflict returns the error for an append made against a stale head.
func ConcurrencyConflict(id StreamID, expected, actual EventNumber) *Error {
	return &Error{
		Kind:     KindConcurrencyConflict,
		Op:       "append",
		StreamID: id,
		Expected: expected,
		Actual:   actual,
	}
}

// StoreError wraps a backend failure.
func StoreError(op string, id StreamID, err error) *Error {
	return &Error{Kind: KindStore, Op: op, StreamID: id, Err: err}
}

// SerializationError wraps a codec failure.
func SerializationError(op string, id StreamID, err error) *Error {
	return &Error{Kind: KindSerialization, Op: op, StreamID: id, Err: err}
}

// DeliveryError reports a subscriber dropped after delivery retries ran out.
func DeliveryError(id StreamID, err error) *Error {
	return &Error{Kind: KindDelivery, Op: "deliver", StreamID: id, Err: err}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindConcurrencyConflict:
		return fmt.Sprintf("%s %s: %v: expected head %d, actual head %d",
			e.Op, e.StreamID, ErrOptimisticConcurrency, e.Expected, e.Actual)
	default:
		msg := e.Kind.String()
		if e.Op != "" {
			msg = e.Op + ": " + msg
		}
		if e.StreamID != "" {
			msg += " (stream " + string(e.StreamID) + ")"
		}
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes conflicts match ErrOptimisticConcurrency.
func (e *Error) Is(target error) bool {
	return e.Kind == KindConcurrencyConflict && target == ErrOptimisticConcurrency
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsConflict returns the conflict details if err is a concurrency conflict.
func AsConflict(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindConcurrencyConflict {
		return e, true
	}
	return nil, false
}

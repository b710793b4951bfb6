// Package codec defines the payload encoding boundary used by durable backends.
//
// Durable stores persist payloads as bytes. A Codec converts between the
// application's payload type and those bytes. Codec failures are surfaced as
// es.KindSerialization errors and are never retried.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec encodes and decodes event payloads of type T.
type Codec[T any] interface {
	Encode(payload T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSON encodes payloads with encoding/json.
type JSON[T any] struct{}

// Encode implements Codec.
func (JSON[T]) Encode(payload T) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSON[T]) Decode(data []byte) (T, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return payload, nil
}

// Bytes stores payloads verbatim.
type Bytes struct{}

// Encode implements Codec.
func (Bytes) Encode(payload []byte) ([]byte, error) {
	return payload, nil
}

// Decode implements Codec. The returned slice is a copy.
func (Bytes) Decode(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// ErrNilMessage indicates an attempt to encode a nil protobuf message.
var ErrNilMessage = errors.New("nil protobuf message")

// Proto encodes protobuf messages in wire format.
// New must return a fresh, empty message to decode into.
type Proto[T proto.Message] struct {
	New func() T
}

// NewProto returns a protobuf codec allocating messages with newFn.
func NewProto[T proto.Message](newFn func() T) Proto[T] {
	return Proto[T]{New: newFn}
}

// Encode implements Codec.
func (c Proto[T]) Encode(payload T) ([]byte, error) {
	if any(payload) == nil || !payload.ProtoReflect().IsValid() {
		return nil, ErrNilMessage
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protobuf payload: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (c Proto[T]) Decode(data []byte) (T, error) {
	msg := c.New()
	if err := proto.Unmarshal(data, msg); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal protobuf payload: %w", err)
	}
	return msg, nil
}

var (
	_ Codec[struct{}] = JSON[struct{}]{}
	_ Codec[[]byte]   = Bytes{}
)

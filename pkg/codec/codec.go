// Package codec provides payload codecs for stream topics.
//
// A codec turns a topic's message type into the bytes carried by a
// forwarding envelope and back. Every node that registers a topic must use a
// compatible codec; there is no negotiation on the wire.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
)

// Codec errors.
var (
	// ErrEmptyPayload indicates a decode was attempted on zero bytes.
	ErrEmptyPayload = errors.New("codec: empty payload")

	// ErrUnknownValue indicates a value or byte tag has no mapping.
	ErrUnknownValue = errors.New("codec: unknown value")

	// ErrNoFactory indicates a Proto codec without a New function.
	ErrNoFactory = errors.New("codec: no message factory")
)

// Codec encodes and decodes messages of type M.
type Codec[M any] interface {
	Encode(msg M) ([]byte, error)
	Decode(data []byte) (M, error)
}

// Func adapts a pair of functions to a Codec.
type Func[M any] struct {
	EncodeFunc func(M) ([]byte, error)
	DecodeFunc func([]byte) (M, error)
}

func (c Func[M]) Encode(msg M) ([]byte, error) { return c.EncodeFunc(msg) }

func (c Func[M]) Decode(data []byte) (M, error) { return c.DecodeFunc(data) }

// Enum maps a small set of comparable values to single byte tags.
// Only the first byte of a payload is inspected on decode.
type Enum[M comparable] struct {
	tags   map[M]byte
	values map[byte]M
}

// NewEnum builds an Enum codec from a value to tag table.
// It panics if two values share a tag.
func NewEnum[M comparable](tags map[M]byte) *Enum[M] {
	values := make(map[byte]M, len(tags))
	for v, tag := range tags {
		if _, dup := values[tag]; dup {
			panic(fmt.Sprintf("codec: duplicate enum tag %d", tag))
		}
		values[tag] = v
	}
	return &Enum[M]{tags: tags, values: values}
}

func (c *Enum[M]) Encode(msg M) ([]byte, error) {
	tag, ok := c.tags[msg]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownValue, msg)
	}
	return []byte{tag}, nil
}

func (c *Enum[M]) Decode(data []byte) (M, error) {
	var zero M
	if len(data) == 0 {
		return zero, ErrEmptyPayload
	}
	v, ok := c.values[data[0]]
	if !ok {
		return zero, fmt.Errorf("%w: tag %d", ErrUnknownValue, data[0])
	}
	return v, nil
}

// Msgpack encodes messages with MessagePack.
type Msgpack[M any] struct{}

func (Msgpack[M]) Encode(msg M) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func (Msgpack[M]) Decode(data []byte) (M, error) {
	var msg M
	if len(data) == 0 {
		return msg, ErrEmptyPayload
	}
	err := msgpack.Unmarshal(data, &msg)
	return msg, err
}

// JSON encodes messages with encoding/json.
type JSON[M any] struct{}

func (JSON[M]) Encode(msg M) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSON[M]) Decode(data []byte) (M, error) {
	var msg M
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// Proto encodes protobuf messages. New must return a fresh, non-nil message
// for every decode. Decode fails with ErrNoFactory when New is nil.
type Proto[M proto.Message] struct {
	New func() M
}

// NewProto creates a protobuf codec using factory for decode targets.
func NewProto[M proto.Message](factory func() M) Proto[M] {
	return Proto[M]{New: factory}
}

func (c Proto[M]) Encode(msg M) ([]byte, error) {
	return proto.Marshal(msg)
}

func (c Proto[M]) Decode(data []byte) (M, error) {
	if c.New == nil {
		var zero M
		return zero, ErrNoFactory
	}
	msg := c.New()
	if err := proto.Unmarshal(data, msg); err != nil {
		var zero M
		return zero, err
	}
	return msg, nil
}

// Bytes passes payloads through unchanged. Decoded slices are copies.
type Bytes struct{}

func (Bytes) Encode(msg []byte) ([]byte, error) { return msg, nil }

func (Bytes) Decode(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

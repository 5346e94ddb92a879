package stream

import (
	"fmt"
	"reflect"

	"github.com/bromq-dev/streams/pkg/codec"
)

// Descriptor is the type-erased view of a Topic kept in the Table.
type Descriptor interface {
	// Name returns the topic name.
	Name() string

	payloadType() reflect.Type
	decodeEvent(data []byte) (event any, ok bool)
}

// Topic binds a name to a payload type and its codec.
type Topic[M any] struct {
	name  string
	codec codec.Codec[M]
}

// NewTopic creates a topic descriptor.
func NewTopic[M any](name string, c codec.Codec[M]) *Topic[M] {
	return &Topic[M]{name: name, codec: c}
}

// Name returns the topic name.
func (t *Topic[M]) Name() string { return t.name }

// Encode serializes msg. A message the codec cannot represent is a
// programming error and panics.
func (t *Topic[M]) Encode(msg M) []byte {
	data, err := t.codec.Encode(msg)
	if err != nil {
		panic(fmt.Errorf("stream: encode %s: %w", t.name, err))
	}
	return data
}

// Decode parses data. ok is false when the bytes are not a valid M.
func (t *Topic[M]) Decode(data []byte) (msg M, ok bool) {
	msg, err := t.codec.Decode(data)
	return msg, err == nil
}

func (t *Topic[M]) payloadType() reflect.Type {
	return reflect.TypeOf((*M)(nil)).Elem()
}

func (t *Topic[M]) decodeEvent(data []byte) (any, bool) {
	msg, err := t.codec.Decode(data)
	if err != nil {
		return Failed[M](fmt.Errorf("%w: topic %s: %w", ErrDecode, t.name, err)), false
	}
	return Received(msg), true
}

// Event is delivered to subscribers: either a decoded message or a decode
// failure.
type Event[M any] struct {
	Message M
	Err     error
}

// Received builds a successful event.
func Received[M any](msg M) Event[M] {
	return Event[M]{Message: msg}
}

// Failed builds an Err event.
func Failed[M any](err error) Event[M] {
	return Event[M]{Err: err}
}

// OK reports whether the event carries a message.
func (e Event[M]) OK() bool { return e.Err == nil }

package stream

import "errors"

// Stream errors.
var (
	// ErrUnknownTopic is returned when a topic is not in the Table.
	ErrUnknownTopic = errors.New("stream: unknown topic")

	// ErrTopicConflict is returned when two payload types share a topic name.
	ErrTopicConflict = errors.New("stream: topic registered with a different payload type")

	// ErrTopicMismatch is returned when a typed topic disagrees with the Table.
	ErrTopicMismatch = errors.New("stream: topic payload type does not match table")

	// ErrDecode wraps payload decode failures carried by Err events.
	ErrDecode = errors.New("stream: decode failed")

	// ErrStopped is returned after the PubSub has been stopped.
	ErrStopped = errors.New("stream: stopped")
)

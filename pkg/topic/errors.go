package topic

import "errors"

// Topic validation errors.
var (
	// ErrEmptyTopic indicates the topic name is empty.
	ErrEmptyTopic = errors.New("topic must not be empty")

	// ErrTopicTooLong indicates the topic exceeds 65535 bytes.
	ErrTopicTooLong = errors.New("topic exceeds maximum length")

	// ErrNullCharacter indicates the topic contains a null character.
	ErrNullCharacter = errors.New("topic must not contain null character")

	// ErrWildcardInName indicates wildcards in a topic name.
	// Stream topics are exact identity keys, so + and # are reserved.
	ErrWildcardInName = errors.New("topic name must not contain wildcards")

	// ErrWhitespace indicates leading or trailing whitespace in a topic name.
	ErrWhitespace = errors.New("topic name must not have surrounding whitespace")
)

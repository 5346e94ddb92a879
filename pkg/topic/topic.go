// Package topic provides stream topic name handling.
//
// A topic name is the identity key that binds a payload type and codec on
// every node of a cluster. Names travel on the wire inside forwarding
// envelopes and are compared byte for byte, so the rules here are strict.
package topic

import (
	"strings"
)

const (
	// Separator is the conventional topic level separator ("sensors/temp").
	Separator = '/'

	// MultiWildcard is reserved and not allowed in names.
	MultiWildcard = '#'

	// SingleWildcard is reserved and not allowed in names.
	SingleWildcard = '+'

	// SysPrefix is the prefix for system topics.
	SysPrefix = '$'

	// MaxLength is the maximum topic name length in bytes.
	MaxLength = 65535
)

// ValidateName validates a topic name.
// Returns nil if valid, otherwise returns an error describing the issue.
func ValidateName(name string) error {
	if len(name) == 0 {
		return ErrEmptyTopic
	}

	if len(name) > MaxLength {
		return ErrTopicTooLong
	}

	if strings.TrimSpace(name) != name {
		return ErrWhitespace
	}

	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == MultiWildcard || c == SingleWildcard {
			return ErrWildcardInName
		}
		if c == 0 {
			return ErrNullCharacter
		}
	}

	return nil
}

// IsSysTopic returns true if the topic name starts with $.
func IsSysTopic(name string) bool {
	return len(name) > 0 && name[0] == SysPrefix
}

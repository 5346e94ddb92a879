package topic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"simple", "status", nil},
		{"levels", "sensors/kitchen/temp", nil},
		{"sys", "$SYS/streams/stats", nil},
		{"empty", "", ErrEmptyTopic},
		{"too long", strings.Repeat("a", MaxLength+1), ErrTopicTooLong},
		{"multi wildcard", "sensors/#", ErrWildcardInName},
		{"single wildcard", "sensors/+/temp", ErrWildcardInName},
		{"null", "bad\x00topic", ErrNullCharacter},
		{"leading space", " status", ErrWhitespace},
		{"trailing newline", "status\n", ErrWhitespace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateName(tt.input), tt.want)
		})
	}
}

func TestIsSysTopic(t *testing.T) {
	assert.True(t, IsSysTopic("$SYS/streams"))
	assert.False(t, IsSysTopic("status"))
	assert.False(t, IsSysTopic(""))
}

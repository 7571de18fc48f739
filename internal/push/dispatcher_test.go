package push

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clock(t *testing.T, hhmm string) time.Time {
	t.Helper()
	parsed, err := time.Parse("15:04", hhmm)
	require.NoError(t, err)
	return parsed
}

func TestDNDCovers(t *testing.T) {
	tests := []struct {
		name       string
		now        string
		start, end string
		covered    bool
	}{
		{"inside plain window", "14:00", "13:00", "18:00", true},
		{"before plain window", "12:59", "13:00", "18:00", false},
		{"at start", "13:00", "13:00", "18:00", true},
		{"at end", "18:00", "13:00", "18:00", false},
		{"wrap, late evening", "23:30", "22:00", "07:00", true},
		{"wrap, early morning", "03:00", "22:00", "07:00", true},
		{"wrap, daytime", "12:00", "22:00", "07:00", false},
		{"wrap, at morning end", "07:00", "22:00", "07:00", false},
		{"empty window", "12:00", "09:00", "09:00", false},
		{"malformed start", "12:00", "nope", "18:00", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.covered, dndCovers(clock(t, tc.now), tc.start, tc.end))
		})
	}
}

func TestThrottleKeyStability(t *testing.T) {
	a := throttleKey(7, "new_message", "conversation", "abc")
	b := throttleKey(7, "new_message", "conversation", "abc")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, throttleKey(8, "new_message", "conversation", "abc"))
	assert.NotEqual(t, a, throttleKey(7, "call", "conversation", "abc"))
	assert.NotEqual(t, a, throttleKey(7, "new_message", "conversation", "abd"))
}

func TestChunkTokens(t *testing.T) {
	tokens := make([]string, 1201)
	for i := range tokens {
		tokens[i] = "t"
	}
	chunks := chunkTokens(tokens, 500)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 500)
	assert.Len(t, chunks[1], 500)
	assert.Len(t, chunks[2], 201)

	assert.Nil(t, chunkTokens(nil, 500))
	assert.Len(t, chunkTokens([]string{"a"}, 500), 1)
}

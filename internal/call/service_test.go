package call

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiateRejectsUnknownType(t *testing.T) {
	s := &Service{}
	_, _, err := s.Initiate(context.Background(), 1, uuid.New(), "hologram")
	require.ErrorIs(t, err, ErrUnknownType)
	assert.Contains(t, err.Error(), `"hologram"`)
}

func TestForwardRejectsUnknownKind(t *testing.T) {
	s := &Service{}
	err := s.Forward(context.Background(), "sdp_fragment", uuid.New(), 1, 2, nil)
	require.ErrorIs(t, err, ErrUnknownForwardKind)
	assert.Contains(t, err.Error(), `"sdp_fragment"`)
}

func TestCloseStopsMissedTimers(t *testing.T) {
	s := &Service{
		missed: time.Hour,
		timers: make(map[uuid.UUID]*time.Timer),
	}
	s.armMissedTimer(uuid.New())
	s.armMissedTimer(uuid.New())
	require.Len(t, s.timers, 2)

	s.Close()
	assert.Empty(t, s.timers)

	// Close with nothing armed is a no-op.
	s.Close()
	assert.Empty(t, s.timers)
}

func TestFallbackICE(t *testing.T) {
	ice := fallbackICE()
	require.Len(t, ice, 1)
	assert.Equal(t, defaultSTUN, ice[0].URLs)

	// Mutating a vended list must not leak into the defaults.
	ice[0].URLs[0] = "stun:evil.example.com"
	assert.Equal(t, "stun:stun.l.google.com:19302", defaultSTUN[0])
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiona25/securechat-sub000/internal/bus"
	"github.com/axiona25/securechat-sub000/internal/call"
	"github.com/axiona25/securechat-sub000/internal/config"
	"github.com/axiona25/securechat-sub000/internal/metrics"
	"github.com/axiona25/securechat-sub000/internal/store"
)

func testSession(t *testing.T, scope Scope) *Session {
	t.Helper()
	m := metrics.New()
	b, err := bus.New(config.BusConfig{QueueCapacity: 1000}, config.NATSConfig{}, nil, m, zerolog.Nop())
	require.NoError(t, err)

	hub := &Hub{bus: b, metrics: m, logger: zerolog.Nop()}
	return &Session{
		hub:         hub,
		userID:      1,
		scope:       scope,
		sub:         b.NewSubscription(),
		activeCalls: make(map[string]struct{}),
		logger:      zerolog.Nop(),
	}
}

func nextEvent(t *testing.T, s *Session) bus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := s.sub.Next(ctx)
	require.True(t, ok, "expected an event on the session queue")
	return ev
}

func TestDispatchUnknownAction(t *testing.T) {
	s := testSession(t, ScopeChat)
	s.dispatch([]byte(`{"action":"warp_drive"}`))

	ev := nextEvent(t, s)
	assert.Equal(t, bus.EventError, ev.Type)
	assert.Equal(t, "warp_drive", ev.Data["action"])
	assert.Equal(t, "unknown action", ev.Data["error"])
}

func TestDispatchMalformedFrame(t *testing.T) {
	s := testSession(t, ScopeChat)
	s.dispatch([]byte(`{"action":`))

	ev := nextEvent(t, s)
	assert.Equal(t, bus.EventError, ev.Type)
	assert.Equal(t, "malformed frame", ev.Data["error"])
}

func TestDispatchChatActionOnCallsSocket(t *testing.T) {
	s := testSession(t, ScopeCalls)
	s.dispatch([]byte(`{"action":"send_message","conversation_id":"x"}`))

	ev := nextEvent(t, s)
	assert.Equal(t, bus.EventError, ev.Type)
	assert.Equal(t, "forbidden", ev.Data["error"])
}

func TestDispatchInvalidUUID(t *testing.T) {
	s := testSession(t, ScopeChat)
	s.dispatch([]byte(`{"action":"send_message","conversation_id":"not-a-uuid"}`))

	ev := nextEvent(t, s)
	assert.Equal(t, bus.EventError, ev.Type)
	assert.Equal(t, "invalid conversation_id", ev.Data["error"])
}

func TestErrorMessageMapping(t *testing.T) {
	assert.Equal(t, "forbidden", errorMessage(store.ErrForbidden))
	assert.Equal(t, "not found", errorMessage(store.ErrNotFound))
	assert.Equal(t, "edit window closed", errorMessage(store.ErrEditWindowClosed))
	assert.Equal(t, "call is not in a state that allows this", errorMessage(store.ErrBadTransition))
	assert.Equal(t, "unknown call type", errorMessage(fmt.Errorf("%w %q", call.ErrUnknownType, "hologram")))
	assert.Equal(t, "unknown forward kind", errorMessage(fmt.Errorf("%w %q", call.ErrUnknownForwardKind, "sdp_fragment")))

	// The dispatcher's own validation errors pass through verbatim.
	assert.Equal(t, "invalid call_id", errorMessage(errors.New("invalid call_id")))
	assert.Equal(t, "missing target_user_id", errorMessage(errors.New("missing target_user_id")))

	wrapped := errors.New("store: connect: dial tcp 10.0.0.1:5432: connection refused by peer")
	assert.Equal(t, "internal error", errorMessage(wrapped))
}

// Unrecognized errors must never reach the socket verbatim, no matter how
// short they are.
func TestErrorMessageHidesInternalDetail(t *testing.T) {
	for _, err := range []error{
		errors.New(`pq: relation "messages" does not exist`),
		errors.New("context deadline exceeded"),
		errors.New("nats: connection closed"),
	} {
		assert.Equal(t, "internal error", errorMessage(err), "leaked: %v", err)
	}
}

func TestJoinCallConcurrentWithTopicIteration(t *testing.T) {
	s := testSession(t, ScopeCalls)

	const joins = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < joins; i++ {
			s.joinCall(uuid.New())
		}
	}()
	go func() {
		defer wg.Done()
		// The disconnect path iterates topics on the other pump's goroutine.
		for i := 0; i < joins; i++ {
			s.mu.Lock()
			for range s.topics {
			}
			s.mu.Unlock()
		}
	}()
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.topics, joins)
	assert.Len(t, s.activeCalls, joins)
}

func TestJoinAndLeaveCallTracksActiveSet(t *testing.T) {
	s := testSession(t, ScopeChat)
	id := uuid.New()
	s.joinCall(id)
	s.mu.Lock()
	_, active := s.activeCalls[id.String()]
	s.mu.Unlock()
	assert.True(t, active)

	s.leaveCall(id)
	s.mu.Lock()
	_, active = s.activeCalls[id.String()]
	s.mu.Unlock()
	assert.False(t, active)
}

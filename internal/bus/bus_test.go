package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/axiona25/securechat-sub000/internal/config"
	"github.com/axiona25/securechat-sub000/internal/logging"
	"github.com/axiona25/securechat-sub000/internal/metrics"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New(
		config.BusConfig{QueueCapacity: 1000},
		config.NATSConfig{},
		nil,
		metrics.New(),
		logging.New(config.LoggingConfig{Level: "error"}),
	)
	require.NoError(t, err)
	return b
}

func drain(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := sub.Next(ctx)
	require.True(t, ok, "expected an event")
	return ev
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := newTestBus(t)
	s1 := b.NewSubscription()
	s2 := b.NewSubscription()
	require.NoError(t, b.Subscribe("conv_a", s1))
	require.NoError(t, b.Subscribe("conv_a", s2))

	b.Publish("conv_a", Event{Type: EventTyping})

	require.Equal(t, EventTyping, drain(t, s1).Type)
	require.Equal(t, EventTyping, drain(t, s2).Type)
}

func TestSubscribeIdempotent(t *testing.T) {
	b := newTestBus(t)
	sub := b.NewSubscription()
	require.NoError(t, b.Subscribe("conv_a", sub))
	require.NoError(t, b.Subscribe("conv_a", sub))

	b.Publish("conv_a", Event{Type: EventTyping})
	require.Equal(t, EventTyping, drain(t, sub).Type)
	require.Zero(t, sub.Len(), "duplicate subscribe must not double-deliver")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	sub := b.NewSubscription()
	require.NoError(t, b.Subscribe("conv_a", sub))
	b.Unsubscribe("conv_a", sub)

	b.Publish("conv_a", Event{Type: EventTyping})
	require.Zero(t, sub.Len())
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	b := newTestBus(t)
	done := make(chan struct{})
	go func() {
		b.Publish("conv_nobody", Event{Type: EventTyping})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestPublisherOrderPreservedPerSubscriber(t *testing.T) {
	b := newTestBus(t)
	sub := b.NewSubscription()
	require.NoError(t, b.Subscribe("conv_a", sub))

	const n = 500
	for i := 0; i < n; i++ {
		b.Publish("conv_a", Event{Type: EventChatMessage, Data: map[string]any{"seq": i}})
	}
	for i := 0; i < n; i++ {
		ev := drain(t, sub)
		require.Equal(t, i, ev.Data["seq"])
	}
}

func TestOverflowShedsOldestNonCritical(t *testing.T) {
	sub := NewSubscription(1000, nil)

	for i := 0; i < 1000; i++ {
		require.True(t, sub.push(Event{Type: EventChatMessage, Data: map[string]any{"seq": i}}))
	}
	// Queue is full; the next push must evict seq=0, not block.
	require.True(t, sub.push(Event{Type: EventChatMessage, Data: map[string]any{"seq": 1000}}))

	first, ok := sub.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, 1, first.Data["seq"])
}

func TestOverflowNeverShedsCritical(t *testing.T) {
	sub := NewSubscription(1000, nil)

	require.True(t, sub.push(Event{Type: EventCallIncoming}))
	for i := 0; i < 999; i++ {
		sub.push(Event{Type: EventChatMessage, Data: map[string]any{"seq": i}})
	}
	sub.push(Event{Type: EventChatMessage, Data: map[string]any{"seq": 999}})

	// The critical event is still first even though the queue overflowed.
	ev, ok := sub.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, EventCallIncoming, ev.Type)
}

func TestCriticalAdmittedPastCapacityWhenAllCritical(t *testing.T) {
	sub := NewSubscription(1000, nil)
	for i := 0; i < 1000; i++ {
		require.True(t, sub.push(Event{Type: EventCallIncoming}))
	}
	require.True(t, sub.push(Event{Type: EventSecurityAlert}))
	require.False(t, sub.push(Event{Type: EventChatMessage}), "non-critical must be shed when queue holds only critical events")
}

func TestSendToDirect(t *testing.T) {
	b := newTestBus(t)
	sub := b.NewSubscription()
	b.SendTo(sub, Event{Type: EventError})
	require.Equal(t, EventError, drain(t, sub).Type)
}

func TestClosedSubscriptionRejectsPush(t *testing.T) {
	sub := NewSubscription(1000, nil)
	sub.Close()
	require.False(t, sub.push(Event{Type: EventTyping}))

	_, ok := sub.Next(context.Background())
	require.False(t, ok)
}

func TestNextHonorsContext(t *testing.T) {
	sub := NewSubscription(1000, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	require.False(t, ok)
}

func TestTopicNameHelpers(t *testing.T) {
	cid := uuid.New()
	require.Equal(t, "user_7", UserTopic(7))
	require.Equal(t, fmt.Sprintf("conv_%s", cid), ConvTopic(cid))
	require.Equal(t, fmt.Sprintf("call_%s", cid), CallTopic(cid))
}

func TestClusterKeyValidation(t *testing.T) {
	_, err := New(config.BusConfig{QueueCapacity: 1000},
		config.NATSConfig{ClusterKey: "zz"}, nil, metrics.New(),
		logging.New(config.LoggingConfig{Level: "error"}))
	require.Error(t, err)
}

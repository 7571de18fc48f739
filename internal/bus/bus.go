// Package bus implements the topic bus: named multicast groups with
// in-process fan-out and cross-node delivery over NATS.
package bus

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/axiona25/securechat-sub000/internal/config"
	"github.com/axiona25/securechat-sub000/internal/metrics"
	"github.com/axiona25/securechat-sub000/pkg/e2ee"
)

// Topic name conventions.
const (
	TopicUserPrefix = "user_"
	TopicConvPrefix = "conv_"
	TopicCallPrefix = "call_"
)

// UserTopic returns the personal topic for a user id.
func UserTopic(userID int64) string { return fmt.Sprintf("%s%d", TopicUserPrefix, userID) }

// ConvTopic returns the topic for a conversation.
func ConvTopic(conversationID uuid.UUID) string { return TopicConvPrefix + conversationID.String() }

// CallTopic returns the topic for a call.
func CallTopic(callID uuid.UUID) string { return TopicCallPrefix + callID.String() }

const natsSubjectPrefix = "scp.topic."

// envelope is the cross-node wire form of an event.
type envelope struct {
	Node  string `json:"node"`
	Event Event  `json:"event"`
}

type topic struct {
	subs    map[uint64]*Subscription
	natsSub *nats.Subscription
}

// Bus routes events to local subscriptions and mirrors them across the
// fleet through NATS. Inter-node payloads are sealed with
// XChaCha20-Poly1305 when a cluster key is configured.
type Bus struct {
	logger  zerolog.Logger
	metrics *metrics.Registry
	nodeID  string

	queueCap int

	mu     sync.RWMutex
	topics map[string]*topic

	nc         *nats.Conn
	clusterKey []byte
}

// New creates the bus. A nil NATS connection runs it in single-node mode.
func New(cfg config.BusConfig, natsCfg config.NATSConfig, nc *nats.Conn, m *metrics.Registry, logger zerolog.Logger) (*Bus, error) {
	b := &Bus{
		logger:   logger.With().Str("component", "bus").Logger(),
		metrics:  m,
		nodeID:   uuid.NewString(),
		queueCap: cfg.QueueCapacity,
		topics:   make(map[string]*topic),
		nc:       nc,
	}
	if natsCfg.ClusterKey != "" {
		key, err := hex.DecodeString(natsCfg.ClusterKey)
		if err != nil || len(key) != e2ee.KeySize {
			return nil, fmt.Errorf("bus: cluster key must be %d hex-encoded bytes", e2ee.KeySize)
		}
		b.clusterKey = key
	}
	return b, nil
}

// NodeID identifies this node in cross-node envelopes.
func (b *Bus) NodeID() string { return b.nodeID }

// NewSubscription creates a subscriber queue wired to the drop metric.
func (b *Bus) NewSubscription() *Subscription {
	return NewSubscription(b.queueCap, b.metrics.EventsDropped.Inc)
}

// Subscribe attaches sub to a topic. Idempotent.
func (b *Bus) Subscribe(name string, sub *Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		b.topics[name] = t
		b.metrics.Topics.Inc()
		if b.nc != nil {
			natsSub, err := b.nc.Subscribe(natsSubjectPrefix+name, func(msg *nats.Msg) {
				b.handleRemote(name, msg.Data)
			})
			if err != nil {
				delete(b.topics, name)
				b.metrics.Topics.Dec()
				return fmt.Errorf("bus: subscribe %s: %w", name, err)
			}
			t.natsSub = natsSub
		}
	}
	t.subs[sub.id] = sub
	return nil
}

// Unsubscribe detaches sub from a topic; the topic and its NATS leg are torn
// down when the last local subscriber leaves.
func (b *Bus) Unsubscribe(name string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return
	}
	delete(t.subs, sub.id)
	if len(t.subs) == 0 {
		if t.natsSub != nil {
			if err := t.natsSub.Unsubscribe(); err != nil {
				b.logger.Warn().Err(err).Str("topic", name).Msg("nats unsubscribe failed")
			}
		}
		delete(b.topics, name)
		b.metrics.Topics.Dec()
	}
}

// Publish fans ev out to every live subscriber of the topic across the
// fleet. Local delivery happens synchronously in publisher order; remote
// delivery rides NATS.
func (b *Bus) Publish(name string, ev Event) {
	b.metrics.EventsPublished.Inc()
	b.deliverLocal(name, ev)

	if b.nc == nil {
		return
	}
	payload, err := json.Marshal(envelope{Node: b.nodeID, Event: ev})
	if err != nil {
		b.logger.Error().Err(err).Str("topic", name).Msg("event marshal failed")
		return
	}
	if b.clusterKey != nil {
		sealed, err := e2ee.Seal(b.clusterKey, payload, []byte(name))
		if err != nil {
			b.logger.Error().Err(err).Str("topic", name).Msg("envelope seal failed")
			return
		}
		payload = sealed
	}
	if err := b.nc.Publish(natsSubjectPrefix+name, payload); err != nil {
		b.logger.Error().Err(err).Str("topic", name).Msg("nats publish failed")
	}
}

// SendTo delivers directly to one subscription, bypassing topics.
func (b *Bus) SendTo(sub *Subscription, ev Event) {
	if sub.push(ev) {
		b.metrics.EventsDelivered.Inc()
	}
}

func (b *Bus) deliverLocal(name string, ev Event) {
	b.mu.RLock()
	t, ok := b.topics[name]
	if !ok {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.push(ev) {
			b.metrics.EventsDelivered.Inc()
		}
	}
}

func (b *Bus) handleRemote(name string, payload []byte) {
	if b.clusterKey != nil {
		opened, err := e2ee.Open(b.clusterKey, payload, []byte(name))
		if err != nil {
			b.logger.Warn().Str("topic", name).Msg("discarding undecryptable inter-node event")
			return
		}
		payload = opened
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn().Err(err).Str("topic", name).Msg("discarding malformed inter-node event")
		return
	}
	if env.Node == b.nodeID {
		// Own publish echoed back; already delivered locally.
		return
	}
	b.deliverLocal(name, env.Event)
}

// Close tears down every topic.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, t := range b.topics {
		if t.natsSub != nil {
			_ = t.natsSub.Unsubscribe()
		}
		delete(b.topics, name)
		b.metrics.Topics.Dec()
	}
}

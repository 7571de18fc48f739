package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/axiona25/securechat-sub000/internal/bus"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameSize  = 1 << 20 // ciphertext frames can be large
	detachTimeout = 10 * time.Second
)

// Session is one authenticated WebSocket connection. A read pump dispatches
// inbound frames; a write pump drains the bus subscription to the socket.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	userID int64
	scope  Scope
	sub    *bus.Subscription
	logger zerolog.Logger

	mu          sync.Mutex
	topics      []string
	activeCalls map[string]struct{}

	closeOnce sync.Once
}

// attach subscribes the session to its personal and conversation topics and
// publishes the online transition.
func (s *Session) attach(ctx context.Context) error {
	topics := []string{bus.UserTopic(s.userID)}
	convIDs, err := s.hub.store.ConversationIDsForUser(ctx, s.userID)
	if err != nil {
		return err
	}
	for _, id := range convIDs {
		topics = append(topics, bus.ConvTopic(id))
	}
	for _, name := range topics {
		if err := s.hub.bus.Subscribe(name, s.sub); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.topics = topics
	s.mu.Unlock()

	if err := s.hub.store.SetPresence(ctx, s.userID, true); err != nil {
		s.logger.Warn().Err(err).Msg("presence write failed")
	}
	s.hub.presence(ctx, s.userID, true)
	return nil
}

// detach runs the disconnect sequence once: synthesize end_call for every
// active call, drop topic membership, publish the offline transition.
func (s *Session) detach() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()

		s.mu.Lock()
		calls := make([]string, 0, len(s.activeCalls))
		for id := range s.activeCalls {
			calls = append(calls, id)
		}
		s.activeCalls = make(map[string]struct{})
		topics := s.topics
		s.topics = nil
		s.mu.Unlock()

		for _, raw := range calls {
			callID, err := uuid.Parse(raw)
			if err != nil {
				continue
			}
			if _, err := s.hub.calls.End(ctx, callID, s.userID); err != nil {
				s.logger.Debug().Err(err).Str("call", raw).Msg("disconnect end_call skipped")
			}
		}

		for _, name := range topics {
			s.hub.bus.Unsubscribe(name, s.sub)
		}
		s.sub.Close()

		if err := s.hub.store.SetPresence(ctx, s.userID, false); err != nil {
			s.logger.Warn().Err(err).Msg("presence write failed")
		}
		s.hub.presence(ctx, s.userID, false)
		s.hub.remove(s)
	})
}

// joinCall tracks an active call and subscribes the session to its topic.
// Runs on the read pump while detach may run on the write pump, so the
// topics slice stays under the session lock.
func (s *Session) joinCall(callID uuid.UUID) {
	name := bus.CallTopic(callID)
	if err := s.hub.bus.Subscribe(name, s.sub); err != nil {
		s.logger.Warn().Err(err).Str("topic", name).Msg("call topic subscribe failed")
		return
	}
	s.mu.Lock()
	s.activeCalls[callID.String()] = struct{}{}
	s.topics = append(s.topics, name)
	s.mu.Unlock()
}

// leaveCall forgets an active call; the topic stays subscribed so the client
// still receives the trailing call.ended event.
func (s *Session) leaveCall(callID uuid.UUID) {
	s.mu.Lock()
	delete(s.activeCalls, callID.String())
	s.mu.Unlock()
}

func (s *Session) readPump() {
	defer func() {
		s.detach()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		s.dispatch(payload)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		ticker.Stop()
		s.conn.Close()
		s.detach()
	}()

	events := make(chan bus.Event)
	go func() {
		defer close(events)
		for {
			ev, ok := s.sub.Next(ctx)
			if !ok {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			frame, err := ev.Encode()
			if err != nil {
				s.logger.Error().Err(err).Str("event", ev.Type).Msg("event encode failed")
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			// A queue still pinned at capacity after a full ping period means
			// the client cannot keep up.
			if s.sub.Len() >= s.sub.Cap() {
				s.hub.metrics.SlowDisconnects.Inc()
				s.logger.Warn().Int("queued", s.sub.Len()).Msg("slow session disconnected")
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send queues a direct reply to this session.
func (s *Session) send(ev bus.Event) {
	s.hub.bus.SendTo(s.sub, ev)
}

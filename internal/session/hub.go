// Package session owns the WebSocket session fabric: authentication on
// connect, topic membership, the read/write pumps and inbound frame dispatch.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/axiona25/securechat-sub000/internal/auth"
	"github.com/axiona25/securechat-sub000/internal/bus"
	"github.com/axiona25/securechat-sub000/internal/call"
	"github.com/axiona25/securechat-sub000/internal/metrics"
	"github.com/axiona25/securechat-sub000/internal/pipeline"
	"github.com/axiona25/securechat-sub000/internal/store"
)

// Close codes used by the session fabric.
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// Scope restricts which inbound actions a socket accepts.
type Scope string

const (
	ScopeChat  Scope = "chat"
	ScopeCalls Scope = "calls"
)

// Hub accepts WebSocket connections and tracks live sessions.
type Hub struct {
	store    *store.Store
	bus      *bus.Bus
	pipeline *pipeline.Pipeline
	calls    *call.Service
	jwt      *auth.JWTManager
	metrics  *metrics.Registry
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewHub wires the session fabric.
func NewHub(st *store.Store, b *bus.Bus, pl *pipeline.Pipeline, cs *call.Service, jwt *auth.JWTManager, m *metrics.Registry, logger zerolog.Logger) *Hub {
	return &Hub{
		store:    st,
		bus:      b,
		pipeline: pl,
		calls:    cs,
		jwt:      jwt,
		metrics:  m,
		logger:   logger.With().Str("component", "session").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// ServeWS upgrades the request and runs the session until disconnect.
// Authentication happens after the upgrade so the client receives the 4001
// close code instead of a bare HTTP error.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, scope Scope) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	token, err := auth.FromRequest(r)
	if err != nil {
		closeWith(conn, CloseUnauthorized, "missing token")
		return
	}
	claims, err := h.jwt.Verify(token, auth.KindAccess)
	if err != nil {
		closeWith(conn, CloseUnauthorized, "invalid token")
		return
	}

	ctx := r.Context()
	user, err := h.store.UserByID(ctx, claims.UserID)
	if err != nil {
		closeWith(conn, CloseUnauthorized, "unknown user")
		return
	}

	s := &Session{
		hub:         h,
		conn:        conn,
		userID:      user.ID,
		scope:       scope,
		sub:         h.bus.NewSubscription(),
		activeCalls: make(map[string]struct{}),
		logger:      h.logger.With().Int64("user", user.ID).Str("scope", string(scope)).Logger(),
	}
	if err := s.attach(ctx); err != nil {
		s.logger.Error().Err(err).Msg("session attach failed")
		closeWith(conn, websocket.CloseInternalServerErr, "attach failed")
		return
	}

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.metrics.ActiveSessions.Inc()
	h.metrics.SessionsTotal.Inc()

	go s.writePump()
	s.readPump()
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if ok {
		h.metrics.ActiveSessions.Dec()
	}
}

// Close disconnects every live session, used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.conn.Close()
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// presence publishes an online/offline transition to every conversation the
// user participates in.
func (h *Hub) presence(ctx context.Context, userID int64, online bool) {
	ids, err := h.store.ConversationIDsForUser(ctx, userID)
	if err != nil {
		h.logger.Warn().Err(err).Int64("user", userID).Msg("presence fan-out lookup failed")
		return
	}
	ev := bus.Event{
		Type: bus.EventPresenceUpdate,
		Data: map[string]any{
			"user_id":   userID,
			"online":    online,
			"last_seen": time.Now().UTC().Format(time.RFC3339),
		},
	}
	for _, id := range ids {
		h.bus.Publish(bus.ConvTopic(id), ev)
	}
}

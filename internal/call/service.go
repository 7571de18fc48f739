// Package call implements call signaling: the ringing/ongoing/ended state
// machine, ICE server vending and opaque SDP/ICE forwarding.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/axiona25/securechat-sub000/internal/bus"
	"github.com/axiona25/securechat-sub000/internal/push"
	"github.com/axiona25/securechat-sub000/internal/store"
)

// MissedAfter is how long a call may ring before the server marks it missed.
const MissedAfter = 45 * time.Second

// Client-input errors; the socket layer maps these to error frames.
var (
	ErrUnknownType        = errors.New("call: unknown type")
	ErrUnknownForwardKind = errors.New("call: unknown forward kind")
)

// Fallback STUN servers vended when the ice_servers table is empty.
var defaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEConfig is one entry of the ICE list handed to call parties.
type ICEConfig struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Service drives call state. The missed-call timer is owned here, not by the
// initiator's connection, so it fires even after the initiator disconnects.
type Service struct {
	store  *store.Store
	bus    *bus.Bus
	push   *push.Dispatcher
	logger zerolog.Logger
	missed time.Duration

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// NewService wires the signaling service.
func NewService(st *store.Store, b *bus.Bus, pd *push.Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		bus:    b,
		push:   pd,
		logger: logger.With().Str("component", "call").Logger(),
		missed: MissedAfter,
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// Initiate creates a ringing call, rings every other participant and arms
// the missed timer. Returns the call and the ICE list for the initiator.
func (s *Service) Initiate(ctx context.Context, initiatorID int64, conversationID uuid.UUID, callType string) (*store.Call, []ICEConfig, error) {
	if callType != "audio" && callType != "video" {
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownType, callType)
	}
	if _, err := s.store.ParticipantOf(ctx, conversationID, initiatorID); err != nil {
		return nil, nil, err
	}

	call, err := s.store.CreateCall(ctx, conversationID, initiatorID, callType)
	if err != nil {
		return nil, nil, err
	}
	ice, err := s.ICEServers(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ice lookup failed, using fallback")
		ice = fallbackICE()
	}

	participants, err := s.store.ParticipantsOf(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range participants {
		if p.UserID == initiatorID {
			continue
		}
		s.bus.Publish(bus.UserTopic(p.UserID), bus.Event{
			Type: bus.EventCallIncoming,
			Data: map[string]any{
				"call_id":         call.ID.String(),
				"conversation_id": conversationID.String(),
				"call_type":       callType,
				"from_user_id":    initiatorID,
				"ice_servers":     ice,
			},
		})
		if err := s.push.Send(ctx, push.Request{
			RecipientID:  p.UserID,
			SenderID:     initiatorID,
			Type:         "incoming_call",
			Title:        "Incoming call",
			Body:         "Incoming " + callType + " call",
			Data:         map[string]string{"call_id": call.ID.String(), "call_type": callType},
			SourceType:   "call",
			SourceID:     call.ID.String(),
			TargetType:   "conversation",
			TargetID:     conversationID.String(),
			HighPriority: true,
		}); err != nil {
			s.logger.Warn().Err(err).Int64("user", p.UserID).Msg("call push failed")
		}
	}

	s.armMissedTimer(call.ID)
	return call, ice, nil
}

// Accept transitions a ringing call to ongoing for a participant.
func (s *Service) Accept(ctx context.Context, callID uuid.UUID, userID int64) (*store.Call, []ICEConfig, error) {
	if err := s.authorize(ctx, callID, userID); err != nil {
		return nil, nil, err
	}
	call, err := s.store.AcceptCall(ctx, callID, userID)
	if err != nil {
		return nil, nil, err
	}
	s.cancelMissedTimer(callID)

	ice, err := s.ICEServers(ctx)
	if err != nil {
		ice = fallbackICE()
	}
	data := map[string]any{
		"call_id":     callID.String(),
		"accepted_by": userID,
		"ice_servers": ice,
	}
	s.bus.Publish(bus.UserTopic(call.InitiatorID), bus.Event{Type: bus.EventCallAccepted, Data: data})
	s.bus.Publish(bus.UserTopic(userID), bus.Event{Type: bus.EventCallAccepted, Data: data})
	return call, ice, nil
}

// Reject finishes a ringing call with rejected or busy.
func (s *Service) Reject(ctx context.Context, callID uuid.UUID, userID int64, reason string) (*store.Call, error) {
	if err := s.authorize(ctx, callID, userID); err != nil {
		return nil, err
	}
	status := store.CallRejected
	if reason == "busy" {
		status = store.CallBusy
	}
	call, err := s.store.FinishCall(ctx, callID, status)
	if err != nil {
		return nil, err
	}
	s.cancelMissedTimer(callID)

	s.bus.Publish(bus.UserTopic(call.InitiatorID), bus.Event{
		Type: bus.EventCallRejected,
		Data: map[string]any{
			"call_id":     callID.String(),
			"rejected_by": userID,
			"reason":      status,
		},
	})
	return call, nil
}

// End terminates a ringing or ongoing call and notifies the call topic.
func (s *Service) End(ctx context.Context, callID uuid.UUID, userID int64) (*store.Call, error) {
	if err := s.authorize(ctx, callID, userID); err != nil {
		return nil, err
	}
	call, err := s.store.EndCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	s.cancelMissedTimer(callID)

	s.bus.Publish(bus.CallTopic(callID), bus.Event{
		Type: bus.EventCallEnded,
		Data: map[string]any{
			"call_id":  callID.String(),
			"ended_by": userID,
			"duration": call.Duration,
			"status":   call.Status,
		},
	})
	return call, nil
}

// Forward relays an opaque SDP offer/answer or ICE candidate to the target
// user. Payload bytes are never inspected.
func (s *Service) Forward(ctx context.Context, kind string, callID uuid.UUID, fromUserID, targetUserID int64, payload json.RawMessage) error {
	var eventType string
	switch kind {
	case "offer":
		eventType = bus.EventCallOffer
	case "answer":
		eventType = bus.EventCallAnswer
	case "ice_candidate":
		eventType = bus.EventCallICECandidate
	default:
		return fmt.Errorf("%w %q", ErrUnknownForwardKind, kind)
	}
	if err := s.authorize(ctx, callID, fromUserID); err != nil {
		return err
	}
	s.bus.Publish(bus.UserTopic(targetUserID), bus.Event{
		Type: eventType,
		Data: map[string]any{
			"call_id":      callID.String(),
			"from_user_id": fromUserID,
			"payload":      payload,
		},
	})
	return nil
}

// Toggle persists a participant flag and notifies the call topic.
func (s *Service) Toggle(ctx context.Context, callID uuid.UUID, userID int64, flag string, value bool) error {
	if err := s.store.SetCallParticipantFlag(ctx, callID, userID, flag, value); err != nil {
		return err
	}
	s.bus.Publish(bus.CallTopic(callID), bus.Event{
		Type: bus.EventCallParticipant,
		Data: map[string]any{
			"call_id": callID.String(),
			"user_id": userID,
			"flag":    flag,
			"value":   value,
		},
	})
	return nil
}

// ICEServers returns the active ICE list, falling back to public STUN when
// the table is empty.
func (s *Service) ICEServers(ctx context.Context) ([]ICEConfig, error) {
	rows, err := s.store.ActiveICEServers(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return fallbackICE(), nil
	}
	out := make([]ICEConfig, 0, len(rows))
	for _, r := range rows {
		cfg := ICEConfig{URLs: r.URLs}
		if r.Username.Valid {
			cfg.Username = r.Username.String
		}
		if r.Credential.Valid {
			cfg.Credential = r.Credential.String
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Close cancels every armed timer.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// authorize checks the user participates in the call's conversation.
func (s *Service) authorize(ctx context.Context, callID uuid.UUID, userID int64) error {
	call, err := s.store.CallByID(ctx, callID)
	if err != nil {
		return err
	}
	if _, err := s.store.ParticipantOf(ctx, call.ConversationID, userID); err != nil {
		return store.ErrForbidden
	}
	return nil
}

func (s *Service) armMissedTimer(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[callID] = time.AfterFunc(s.missed, func() { s.fireMissed(callID) })
}

func (s *Service) cancelMissedTimer(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
}

// fireMissed re-checks durable state before transitioning; the call may have
// been answered or ended on another node in the meantime.
func (s *Service) fireMissed(callID uuid.UUID) {
	s.mu.Lock()
	delete(s.timers, callID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current, err := s.store.CallByID(ctx, callID)
	if err != nil || current.Status != store.CallRinging {
		return
	}
	call, err := s.store.FinishCall(ctx, callID, store.CallMissed)
	if err != nil {
		return
	}

	s.bus.Publish(bus.CallTopic(callID), bus.Event{
		Type: bus.EventCallEnded,
		Data: map[string]any{
			"call_id": callID.String(),
			"status":  store.CallMissed,
		},
	})

	participants, err := s.store.ParticipantsOf(ctx, call.ConversationID)
	if err != nil {
		return
	}
	for _, p := range participants {
		if p.UserID == call.InitiatorID {
			continue
		}
		s.bus.Publish(bus.UserTopic(p.UserID), bus.Event{
			Type: bus.EventCallEnded,
			Data: map[string]any{
				"call_id": callID.String(),
				"status":  store.CallMissed,
			},
		})
		if err := s.push.Send(ctx, push.Request{
			RecipientID: p.UserID,
			SenderID:    call.InitiatorID,
			Type:        "missed_call",
			Title:       "Missed call",
			Body:        "You missed a " + call.Type + " call",
			Data:        map[string]string{"call_id": callID.String()},
			SourceType:  "call",
			SourceID:    callID.String(),
			TargetType:  "conversation",
			TargetID:    call.ConversationID.String(),
		}); err != nil {
			s.logger.Warn().Err(err).Int64("user", p.UserID).Msg("missed-call push failed")
		}
	}
}

func fallbackICE() []ICEConfig {
	return []ICEConfig{{URLs: append([]string(nil), defaultSTUN...)}}
}

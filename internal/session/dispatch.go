package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/axiona25/securechat-sub000/internal/bus"
	"github.com/axiona25/securechat-sub000/internal/call"
	"github.com/axiona25/securechat-sub000/internal/pipeline"
	"github.com/axiona25/securechat-sub000/internal/store"
)

const frameTimeout = 30 * time.Second

// inboundFrame is the envelope every client frame carries; the remaining
// fields are action-specific.
type inboundFrame struct {
	Action string `json:"action"`

	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	CallID         string `json:"call_id"`

	// send_message / edit_message
	MessageType         string           `json:"message_type"`
	ContentEncrypted    string           `json:"content_encrypted"`
	ReplyToID           string           `json:"reply_to_id"`
	AttachmentID        string           `json:"attachment_id"`
	EncryptedFileKey    string           `json:"encrypted_file_key"`
	EncryptedFileKeys   map[int64]string `json:"encrypted_file_keys"`
	RecipientsEncrypted map[int64]string `json:"recipients_encrypted"`

	// react
	Emoji string `json:"emoji"`

	// typing
	IsRecording bool `json:"is_recording"`

	// calls
	CallType     string          `json:"call_type"`
	Reason       string          `json:"reason"`
	TargetUserID int64           `json:"target_user_id"`
	Payload      json.RawMessage `json:"payload"`
	Enabled      bool            `json:"enabled"`
}

// dispatch routes one inbound frame. Handler failures produce an error frame
// on the same socket; the connection stays open.
func (s *Session) dispatch(raw []byte) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.sendError("", "malformed frame")
		return
	}
	s.hub.metrics.FramesIn.WithLabelValues(f.Action).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	var err error
	switch f.Action {
	case "send_message":
		err = s.handleSendMessage(ctx, &f)
	case "typing":
		err = s.handleTyping(ctx, &f, true)
	case "stop_typing":
		err = s.handleTyping(ctx, &f, false)
	case "delivered":
		err = s.handleStatus(ctx, &f, store.StatusDelivered)
	case "read_receipt":
		err = s.handleStatus(ctx, &f, store.StatusRead)
	case "mark_read":
		err = s.handleMarkRead(ctx, &f)
	case "edit_message":
		err = s.handleEditMessage(ctx, &f)
	case "delete_message":
		err = s.handleDeleteMessage(ctx, &f)
	case "react":
		err = s.handleReact(ctx, &f)
	case "initiate_call":
		err = s.handleInitiateCall(ctx, &f)
	case "accept_call":
		err = s.handleAcceptCall(ctx, &f)
	case "reject_call":
		err = s.handleRejectCall(ctx, &f)
	case "offer", "answer", "ice_candidate":
		err = s.handleForward(ctx, &f)
	case "end_call":
		err = s.handleEndCall(ctx, &f)
	case "toggle_mute":
		err = s.handleToggle(ctx, &f, "mute")
	case "toggle_video":
		err = s.handleToggle(ctx, &f, "video")
	case "toggle_speaker":
		err = s.handleToggle(ctx, &f, "speaker")
	default:
		err = errors.New("unknown action")
	}

	if err != nil {
		s.hub.metrics.FrameErrors.WithLabelValues(f.Action).Inc()
		s.logger.Debug().Err(err).Str("action", f.Action).Msg("frame rejected")
		s.sendError(f.Action, errorMessage(err))
	}
}

// chatOnly rejects message-pipeline actions on the calls socket.
func (s *Session) chatOnly() error {
	if s.scope != ScopeChat {
		return store.ErrForbidden
	}
	return nil
}

func (s *Session) handleSendMessage(ctx context.Context, f *inboundFrame) error {
	if err := s.chatOnly(); err != nil {
		return err
	}
	convID, err := uuid.Parse(f.ConversationID)
	if err != nil {
		return errors.New("invalid conversation_id")
	}
	in := pipeline.SendInput{
		ConversationID:      convID,
		SenderID:            s.userID,
		MessageType:         f.MessageType,
		ContentEncrypted:    f.ContentEncrypted,
		EncryptedFileKey:    f.EncryptedFileKey,
		EncryptedFileKeys:   f.EncryptedFileKeys,
		RecipientsEncrypted: f.RecipientsEncrypted,
	}
	if f.ReplyToID != "" {
		id, err := uuid.Parse(f.ReplyToID)
		if err != nil {
			return errors.New("invalid reply_to_id")
		}
		in.ReplyToID = &id
	}
	if f.AttachmentID != "" {
		id, err := uuid.Parse(f.AttachmentID)
		if err != nil {
			return errors.New("invalid attachment_id")
		}
		in.AttachmentID = &id
	}
	msg, err := s.hub.pipeline.Send(ctx, in)
	if err != nil {
		return err
	}
	s.send(bus.Event{
		Type: "message.sent",
		Data: map[string]any{
			"message_id":      msg.ID.String(),
			"conversation_id": msg.ConversationID.String(),
			"created_at":      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	})
	return nil
}

func (s *Session) handleTyping(ctx context.Context, f *inboundFrame, typing bool) error {
	if err := s.chatOnly(); err != nil {
		return err
	}
	convID, err := uuid.Parse(f.ConversationID)
	if err != nil {
		return errors.New("invalid conversation_id")
	}
	return s.hub.pipeline.Typing(ctx, convID, s.userID, typing, f.IsRecording)
}

func (s *Session) handleStatus(ctx context.Context, f *inboundFrame, status string) error {
	if err := s.chatOnly(); err != nil {
		return err
	}
	msgID, err := uuid.Parse(f.MessageID)
	if err != nil {
		return errors.New("invalid message_id")
	}
	return s.hub.pipeline.UpdateStatus(ctx, msgID, s.userID, status)
}

func (s *Session) handleMarkRead(ctx context.Context, f *inboundFrame) error {
	if err := s.chatOnly(); err != nil {
		return err
	}
	convID, err := uuid.Parse(f.ConversationID)
	if err != nil {
		return errors.New("invalid conversation_id")
	}
	return s.hub.pipeline.MarkRead(ctx, convID, s.userID)
}

func (s *Session) handleEditMessage(ctx context.Context, f *inboundFrame) error {
	if err := s.chatOnly(); err != nil {
		return err
	}
	msgID, err := uuid.Parse(f.MessageID)
	if err != nil {
		return errors.New("invalid message_id")
	}
	_, err = s.hub.pipeline.Edit(ctx, msgID, s.userID, f.ContentEncrypted)
	return err
}

func (s *Session) handleDeleteMessage(ctx context.Context, f *inboundFrame) error {
	if err := s.chatOnly(); err != nil {
		return err
	}
	msgID, err := uuid.Parse(f.MessageID)
	if err != nil {
		return errors.New("invalid message_id")
	}
	return s.hub.pipeline.Delete(ctx, msgID, s.userID)
}

func (s *Session) handleReact(ctx context.Context, f *inboundFrame) error {
	if err := s.chatOnly(); err != nil {
		return err
	}
	msgID, err := uuid.Parse(f.MessageID)
	if err != nil {
		return errors.New("invalid message_id")
	}
	return s.hub.pipeline.React(ctx, msgID, s.userID, f.Emoji)
}

func (s *Session) handleInitiateCall(ctx context.Context, f *inboundFrame) error {
	convID, err := uuid.Parse(f.ConversationID)
	if err != nil {
		return errors.New("invalid conversation_id")
	}
	c, ice, err := s.hub.calls.Initiate(ctx, s.userID, convID, f.CallType)
	if err != nil {
		return err
	}
	s.joinCall(c.ID)
	s.send(bus.Event{
		Type: bus.EventCallInitiated,
		Data: map[string]any{
			"call_id":         c.ID.String(),
			"conversation_id": convID.String(),
			"call_type":       c.Type,
			"ice_servers":     ice,
		},
	})
	return nil
}

func (s *Session) handleAcceptCall(ctx context.Context, f *inboundFrame) error {
	callID, err := uuid.Parse(f.CallID)
	if err != nil {
		return errors.New("invalid call_id")
	}
	if _, _, err := s.hub.calls.Accept(ctx, callID, s.userID); err != nil {
		return err
	}
	s.joinCall(callID)
	return nil
}

func (s *Session) handleRejectCall(ctx context.Context, f *inboundFrame) error {
	callID, err := uuid.Parse(f.CallID)
	if err != nil {
		return errors.New("invalid call_id")
	}
	_, err = s.hub.calls.Reject(ctx, callID, s.userID, f.Reason)
	return err
}

func (s *Session) handleForward(ctx context.Context, f *inboundFrame) error {
	callID, err := uuid.Parse(f.CallID)
	if err != nil {
		return errors.New("invalid call_id")
	}
	if f.TargetUserID == 0 {
		return errors.New("missing target_user_id")
	}
	return s.hub.calls.Forward(ctx, f.Action, callID, s.userID, f.TargetUserID, f.Payload)
}

func (s *Session) handleEndCall(ctx context.Context, f *inboundFrame) error {
	callID, err := uuid.Parse(f.CallID)
	if err != nil {
		return errors.New("invalid call_id")
	}
	if _, err := s.hub.calls.End(ctx, callID, s.userID); err != nil {
		return err
	}
	s.leaveCall(callID)
	return nil
}

func (s *Session) handleToggle(ctx context.Context, f *inboundFrame, flag string) error {
	callID, err := uuid.Parse(f.CallID)
	if err != nil {
		return errors.New("invalid call_id")
	}
	return s.hub.calls.Toggle(ctx, callID, s.userID, flag, f.Enabled)
}

func (s *Session) sendError(action, message string) {
	s.send(bus.Event{
		Type: bus.EventError,
		Data: map[string]any{"action": action, "error": message},
	})
}

// clientSafeMessages are the dispatcher's own frame-validation errors; they
// carry nothing but the offending field name.
var clientSafeMessages = map[string]struct{}{
	"unknown action":          {},
	"invalid conversation_id": {},
	"invalid message_id":      {},
	"invalid call_id":         {},
	"invalid reply_to_id":     {},
	"invalid attachment_id":   {},
	"missing target_user_id":  {},
}

// errorMessage maps internal errors to client-safe text. Anything not
// explicitly recognized reads as "internal error" so driver and query
// failures never reach the socket.
func errorMessage(err error) string {
	var verr *pipeline.ErrValidation
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, store.ErrForbidden):
		return "forbidden"
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	case errors.Is(err, store.ErrEditWindowClosed):
		return "edit window closed"
	case errors.Is(err, store.ErrBadTransition):
		return "call is not in a state that allows this"
	case errors.Is(err, call.ErrUnknownType):
		return "unknown call type"
	case errors.Is(err, call.ErrUnknownForwardKind):
		return "unknown forward kind"
	}
	if _, ok := clientSafeMessages[err.Error()]; ok {
		return err.Error()
	}
	return "internal error"
}

// Package pipeline implements the message pipeline: durable persistence,
// topic fan-out and push side effects for chat traffic. The WebSocket and
// REST send paths both land here.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/axiona25/securechat-sub000/internal/bus"
	"github.com/axiona25/securechat-sub000/internal/push"
	"github.com/axiona25/securechat-sub000/internal/store"
)

// ErrValidation marks malformed client input.
type ErrValidation struct{ Field, Reason string }

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("pipeline: invalid %s: %s", e.Field, e.Reason)
}

// Pipeline wires the send/status/edit/delete/reaction flows together.
type Pipeline struct {
	store  *store.Store
	bus    *bus.Bus
	push   *push.Dispatcher
	logger zerolog.Logger
}

// New builds the pipeline.
func New(st *store.Store, b *bus.Bus, pd *push.Dispatcher, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:  st,
		bus:    b,
		push:   pd,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// SendInput carries one send_message request. Ciphertext fields are base64
// at the wire and opaque to the server.
type SendInput struct {
	ConversationID      uuid.UUID
	SenderID            int64
	MessageType         string
	ContentEncrypted    string
	ReplyToID           *uuid.UUID
	ForwardedFrom       *uuid.UUID
	AttachmentID        *uuid.UUID
	EncryptedFileKey    string
	EncryptedFileKeys   map[int64]string
	RecipientsEncrypted map[int64]string
}

var messageTypes = map[string]bool{
	"text": true, "image": true, "video": true, "audio": true,
	"file": true, "voice": true, "location": true, "contact": true,
	"system": true,
}

// Send runs the full send pipeline: authorize, persist, fan out, push.
func (p *Pipeline) Send(ctx context.Context, in SendInput) (*store.Message, error) {
	if !messageTypes[in.MessageType] {
		return nil, &ErrValidation{"message_type", "unknown type"}
	}
	ciphertext, err := base64.StdEncoding.DecodeString(in.ContentEncrypted)
	if err != nil {
		return nil, &ErrValidation{"content_encrypted", "invalid base64"}
	}

	conv, err := p.store.ConversationByID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	sender, err := p.store.ParticipantOf(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, store.ErrForbidden
	}
	if sender.IsBlocked {
		return nil, store.ErrForbidden
	}
	if conv.OnlyAdminsCanSend && sender.Role != store.RoleAdmin {
		return nil, store.ErrForbidden
	}

	envelopes := make(map[int64][]byte, len(in.RecipientsEncrypted))
	for userID, enc := range in.RecipientsEncrypted {
		blob, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, &ErrValidation{"recipients_encrypted", "invalid base64"}
		}
		envelopes[userID] = blob
	}

	msg, err := p.store.InsertMessage(ctx, &store.NewMessage{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           in.MessageType,
		Ciphertext:     ciphertext,
		ReplyToID:      in.ReplyToID,
		ForwardedFrom:  in.ForwardedFrom,
		AttachmentID:   in.AttachmentID,
		Recipients:     envelopes,
	})
	if err != nil {
		return nil, err
	}

	participants, err := p.store.ParticipantsOf(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}

	p.publishMessage(msg, in, envelopes)
	p.enqueuePush(ctx, conv, msg, participants)
	return msg, nil
}

// publishMessage fans the persisted message out. With per-recipient
// envelopes each recipient's personal topic carries only their own
// ciphertext; otherwise the conversation topic carries the shared one.
func (p *Pipeline) publishMessage(msg *store.Message, in SendInput, envelopes map[int64][]byte) {
	if len(envelopes) > 0 {
		for userID, blob := range envelopes {
			data := p.messageData(msg, base64.StdEncoding.EncodeToString(blob))
			if key, ok := in.EncryptedFileKeys[userID]; ok {
				data["encrypted_file_key"] = key
			}
			p.bus.Publish(bus.UserTopic(userID), bus.Event{Type: bus.EventChatMessage, Data: data})
		}
		return
	}
	data := p.messageData(msg, in.ContentEncrypted)
	if in.EncryptedFileKey != "" {
		data["encrypted_file_key"] = in.EncryptedFileKey
	}
	p.bus.Publish(bus.ConvTopic(in.ConversationID), bus.Event{Type: bus.EventChatMessage, Data: data})
}

func (p *Pipeline) messageData(msg *store.Message, contentEncrypted string) map[string]any {
	data := map[string]any{
		"message_id":        msg.ID.String(),
		"conversation_id":   msg.ConversationID.String(),
		"sender_id":         msg.SenderID,
		"message_type":      msg.Type,
		"content_encrypted": contentEncrypted,
		"created_at":        msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.ReplyToID.Valid {
		data["reply_to_id"] = msg.ReplyToID.UUID.String()
	}
	if msg.AttachmentID.Valid {
		data["attachment_id"] = msg.AttachmentID.UUID.String()
	}
	return data
}

// enqueuePush hands offline, conversation-unmuted participants to the push
// dispatcher; the dispatcher applies its own preference/DND/mute/throttle
// gates on top.
func (p *Pipeline) enqueuePush(ctx context.Context, conv *store.Conversation, msg *store.Message, participants []store.Participant) {
	notifType := "new_message"
	if conv.Type == store.ConvGroup {
		notifType = "group_message"
	}
	title := "New message"
	if conv.Name.Valid && conv.Name.String != "" {
		title = conv.Name.String
	}

	for _, part := range participants {
		if part.UserID == msg.SenderID {
			continue
		}
		if part.MutedUntil.Valid && part.MutedUntil.Time.After(time.Now()) {
			continue
		}
		user, err := p.store.UserByID(ctx, part.UserID)
		if err != nil {
			p.logger.Warn().Err(err).Int64("user", part.UserID).Msg("push candidate lookup failed")
			continue
		}
		if user.IsOnline {
			continue
		}
		if err := p.push.Send(ctx, push.Request{
			RecipientID: part.UserID,
			SenderID:    msg.SenderID,
			Type:        notifType,
			Title:       title,
			Body:        "You have a new message",
			Data: map[string]string{
				"conversation_id": conv.ID.String(),
				"message_id":      msg.ID.String(),
			},
			SourceType: "conversation",
			SourceID:   conv.ID.String(),
			TargetType: "conversation",
			TargetID:   conv.ID.String(),
		}); err != nil {
			p.logger.Warn().Err(err).Int64("user", part.UserID).Msg("push enqueue failed")
		}
	}
}

// UpdateStatus records a delivered/read transition and notifies the message
// sender. Lattice downgrades are ignored silently.
func (p *Pipeline) UpdateStatus(ctx context.Context, messageID uuid.UUID, userID int64, status string) error {
	if status != store.StatusDelivered && status != store.StatusRead {
		return &ErrValidation{"status", "must be delivered or read"}
	}
	msg, err := p.store.MessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID == userID {
		return nil
	}
	if _, err := p.store.ParticipantOf(ctx, msg.ConversationID, userID); err != nil {
		return store.ErrForbidden
	}
	changed, err := p.store.UpsertMessageStatus(ctx, messageID, userID, status)
	if err != nil {
		return err
	}
	if changed {
		p.bus.Publish(bus.UserTopic(msg.SenderID), bus.Event{
			Type: bus.EventStatusUpdate,
			Data: map[string]any{
				"conversation_id": msg.ConversationID.String(),
				"message_ids":     []string{messageID.String()},
				"user_id":         userID,
				"status":          status,
			},
		})
	}
	return nil
}

// Edit replaces a message's ciphertext within the edit window.
func (p *Pipeline) Edit(ctx context.Context, messageID uuid.UUID, requester int64, contentEncrypted string) (*store.Message, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(contentEncrypted)
	if err != nil {
		return nil, &ErrValidation{"content_encrypted", "invalid base64"}
	}
	msg, err := p.store.EditMessage(ctx, messageID, requester, ciphertext)
	if err != nil {
		return nil, err
	}
	p.bus.Publish(bus.ConvTopic(msg.ConversationID), bus.Event{
		Type: bus.EventMessageEdited,
		Data: map[string]any{
			"message_id":        msg.ID.String(),
			"conversation_id":   msg.ConversationID.String(),
			"content_encrypted": contentEncrypted,
			"edited_at":         msg.EditedAt.Time.UTC().Format(time.RFC3339Nano),
		},
	})
	return msg, nil
}

// Delete tombstones a message and notifies the conversation.
func (p *Pipeline) Delete(ctx context.Context, messageID uuid.UUID, requester int64) error {
	msg, err := p.store.DeleteMessage(ctx, messageID, requester)
	if err != nil {
		return err
	}
	p.bus.Publish(bus.ConvTopic(msg.ConversationID), bus.Event{
		Type: bus.EventMessageDeleted,
		Data: map[string]any{
			"message_id":      msg.ID.String(),
			"conversation_id": msg.ConversationID.String(),
		},
	})
	return nil
}

// React toggles the caller's reaction on a message.
func (p *Pipeline) React(ctx context.Context, messageID uuid.UUID, userID int64, emoji string) error {
	msg, err := p.store.MessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := p.store.ParticipantOf(ctx, msg.ConversationID, userID); err != nil {
		return store.ErrForbidden
	}
	result, err := p.store.ToggleReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return err
	}
	p.bus.Publish(bus.ConvTopic(msg.ConversationID), bus.Event{
		Type: bus.EventMessageReaction,
		Data: map[string]any{
			"message_id":      msg.ID.String(),
			"conversation_id": msg.ConversationID.String(),
			"user_id":         userID,
			"emoji":           result,
			"removed":         result == "",
		},
	})
	return nil
}

// Typing emits the transient typing indicator; nothing is persisted.
func (p *Pipeline) Typing(ctx context.Context, conversationID uuid.UUID, userID int64, typing, isRecording bool) error {
	if _, err := p.store.ParticipantOf(ctx, conversationID, userID); err != nil {
		return store.ErrForbidden
	}
	p.bus.Publish(bus.ConvTopic(conversationID), bus.Event{
		Type: bus.EventTyping,
		Data: map[string]any{
			"conversation_id": conversationID.String(),
			"user_id":         userID,
			"typing":          typing,
			"is_recording":    isRecording,
		},
	})
	return nil
}

// MarkRead resets the caller's unread count, upgrades statuses and notifies
// each affected sender once with the ids they own.
func (p *Pipeline) MarkRead(ctx context.Context, conversationID uuid.UUID, userID int64) error {
	if _, err := p.store.ParticipantOf(ctx, conversationID, userID); err != nil {
		return store.ErrForbidden
	}
	bySender, err := p.store.MarkConversationRead(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	for senderID, ids := range bySender {
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = id.String()
		}
		p.bus.Publish(bus.UserTopic(senderID), bus.Event{
			Type: bus.EventStatusUpdate,
			Data: map[string]any{
				"conversation_id": conversationID.String(),
				"message_ids":     strs,
				"user_id":         userID,
				"status":          store.StatusRead,
			},
		})
	}
	return nil
}

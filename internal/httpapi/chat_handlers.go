package httpapi

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/axiona25/securechat-sub000/internal/pipeline"
	"github.com/axiona25/securechat-sub000/internal/store"
)

func (s *Server) handleListConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	rows, err := s.store.ConversationsForUser(c.Request.Context(), userID(c), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, conversationEntry(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// conversationEntry renders one list row. session_reset marks a re-opened
// private conversation whose ratchet session the client must re-establish.
func conversationEntry(row *store.ConversationListEntry) gin.H {
	entry := gin.H{
		"id":            row.ID.String(),
		"type":          row.Type,
		"unread_count":  row.UnreadCount,
		"is_favorite":   row.IsFavorite,
		"session_reset": row.SessionReset,
		"updated_at":    row.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if row.Name.Valid {
		entry["name"] = row.Name.String
	}
	if row.LastMessageID.Valid {
		entry["last_message_id"] = row.LastMessageID.UUID.String()
	}
	if row.MutedUntil.Valid {
		entry["muted_until"] = row.MutedUntil.Time.UTC().Format(time.RFC3339)
	}
	return entry
}

type createConversationRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	caller := userID(c)
	if req.UserID == caller {
		badRequest(c, "cannot open a conversation with yourself")
		return
	}
	ctx := c.Request.Context()
	if _, err := s.store.UserByID(ctx, req.UserID); err != nil {
		s.respondError(c, err)
		return
	}

	result, err := s.store.EnsurePrivateConversation(ctx, caller, req.UserID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"id":            result.Conversation.ID.String(),
		"type":          result.Conversation.Type,
		"created":       result.Created,
		"session_reset": result.SessionReset,
	})
}

func (s *Server) handleListMessages(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid conversation id")
		return
	}
	var cursor *time.Time
	if raw := c.Query("cursor"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			badRequest(c, "invalid cursor")
			return
		}
		cursor = &t
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	caller := userID(c)
	page, err := s.store.MessagesPage(c.Request.Context(), convID, caller, cursor, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(page.Messages))
	for i := range page.Messages {
		m := &page.Messages[i]
		entry := gin.H{
			"id":           m.ID.String(),
			"sender_id":    m.SenderID,
			"message_type": m.Type,
			"is_deleted":   m.IsDeleted,
			"is_edited":    m.IsEdited,
			"created_at":   m.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		ciphertext := m.Ciphertext
		if caller != m.SenderID {
			// Prefer the caller's per-recipient envelope when present.
			if env, err := s.store.RecipientEnvelope(c.Request.Context(), m.ID, caller); err == nil && env != nil {
				ciphertext = env
			}
		}
		entry["content_encrypted"] = base64.StdEncoding.EncodeToString(ciphertext)
		if m.ReplyToID.Valid {
			entry["reply_to_id"] = m.ReplyToID.UUID.String()
		}
		if m.AttachmentID.Valid {
			entry["attachment_id"] = m.AttachmentID.UUID.String()
		}
		out = append(out, entry)
	}
	resp := gin.H{"messages": out}
	if page.NextCursor != nil {
		resp["next_cursor"] = page.NextCursor.UTC().Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, resp)
}

type sendMessageRequest struct {
	MessageType         string           `json:"message_type" binding:"required"`
	ContentEncrypted    string           `json:"content_encrypted"`
	ReplyToID           string           `json:"reply_to_id"`
	AttachmentID        string           `json:"attachment_id"`
	EncryptedFileKey    string           `json:"encrypted_file_key"`
	EncryptedFileKeys   map[int64]string `json:"encrypted_file_keys"`
	RecipientsEncrypted map[int64]string `json:"recipients_encrypted"`
}

// handleSendMessage is the REST twin of the WebSocket send path; both feed
// the same pipeline.
func (s *Server) handleSendMessage(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid conversation id")
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}

	in := pipeline.SendInput{
		ConversationID:      convID,
		SenderID:            userID(c),
		MessageType:         req.MessageType,
		ContentEncrypted:    req.ContentEncrypted,
		EncryptedFileKey:    req.EncryptedFileKey,
		EncryptedFileKeys:   req.EncryptedFileKeys,
		RecipientsEncrypted: req.RecipientsEncrypted,
	}
	if req.ReplyToID != "" {
		id, err := uuid.Parse(req.ReplyToID)
		if err != nil {
			badRequest(c, "invalid reply_to_id")
			return
		}
		in.ReplyToID = &id
	}
	if req.AttachmentID != "" {
		id, err := uuid.Parse(req.AttachmentID)
		if err != nil {
			badRequest(c, "invalid attachment_id")
			return
		}
		in.AttachmentID = &id
	}

	msg, err := s.pipeline.Send(c.Request.Context(), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         msg.ID.String(),
		"created_at": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid conversation id")
		return
	}
	if err := s.pipeline.MarkRead(c.Request.Context(), convID, userID(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

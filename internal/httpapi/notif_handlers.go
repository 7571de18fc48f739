package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/axiona25/securechat-sub000/internal/store"
)

type deviceRegisterRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform" binding:"required,oneof=android ios web"`
}

func (s *Server) handleDeviceRegister(c *gin.Context) {
	var req deviceRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid device payload")
		return
	}
	t := &store.DeviceToken{
		UserID:   userID(c),
		DeviceID: req.DeviceID,
		Token:    req.Token,
		Platform: req.Platform,
		Active:   true,
	}
	if err := s.store.UpsertDeviceToken(c.Request.Context(), t); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

func preferenceJSON(p *store.NotificationPreference) gin.H {
	return gin.H{
		"new_message":    p.NewMessage,
		"group_message":  p.GroupMessage,
		"call":           p.Call,
		"security_alert": p.SecurityAlert,
		"channel_post":   p.ChannelPost,
		"dnd_enabled":    p.DNDEnabled,
		"dnd_start":      p.DNDStart,
		"dnd_end":        p.DNDEnd,
		"show_preview":   p.ShowPreview,
		"sound_enabled":  p.SoundEnabled,
		"vibration":      p.Vibration,
	}
}

func (s *Server) handlePreferencesGet(c *gin.Context) {
	pref, err := s.store.PreferenceFor(c.Request.Context(), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preferenceJSON(pref))
}

type preferencesPatchRequest struct {
	NewMessage    *bool   `json:"new_message"`
	GroupMessage  *bool   `json:"group_message"`
	Call          *bool   `json:"call"`
	SecurityAlert *bool   `json:"security_alert"`
	ChannelPost   *bool   `json:"channel_post"`
	DNDEnabled    *bool   `json:"dnd_enabled"`
	DNDStart      *string `json:"dnd_start"`
	DNDEnd        *string `json:"dnd_end"`
	ShowPreview   *bool   `json:"show_preview"`
	SoundEnabled  *bool   `json:"sound_enabled"`
	Vibration     *bool   `json:"vibration"`
}

func validClock(v string) bool {
	_, err := time.Parse("15:04", v)
	return err == nil
}

// handlePreferencesPatch applies partial updates over the stored row, so
// clients can flip a single toggle without resending the whole preference set.
func (s *Server) handlePreferencesPatch(c *gin.Context) {
	var req preferencesPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid preferences payload")
		return
	}
	if req.DNDStart != nil && !validClock(*req.DNDStart) {
		badRequest(c, "dnd_start must be HH:MM")
		return
	}
	if req.DNDEnd != nil && !validClock(*req.DNDEnd) {
		badRequest(c, "dnd_end must be HH:MM")
		return
	}

	ctx := c.Request.Context()
	pref, err := s.store.PreferenceFor(ctx, userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	apply := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&pref.NewMessage, req.NewMessage)
	apply(&pref.GroupMessage, req.GroupMessage)
	apply(&pref.Call, req.Call)
	apply(&pref.SecurityAlert, req.SecurityAlert)
	apply(&pref.ChannelPost, req.ChannelPost)
	apply(&pref.DNDEnabled, req.DNDEnabled)
	apply(&pref.ShowPreview, req.ShowPreview)
	apply(&pref.SoundEnabled, req.SoundEnabled)
	apply(&pref.Vibration, req.Vibration)
	if req.DNDStart != nil {
		pref.DNDStart = *req.DNDStart
	}
	if req.DNDEnd != nil {
		pref.DNDEnd = *req.DNDEnd
	}

	if err := s.store.UpdatePreference(ctx, pref); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preferenceJSON(pref))
}

type muteRequest struct {
	TargetType string     `json:"target_type" binding:"required,oneof=user conversation channel"`
	TargetID   string     `json:"target_id" binding:"required"`
	MutedUntil *time.Time `json:"muted_until"`
}

func (s *Server) handleMute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid mute payload")
		return
	}
	if req.MutedUntil != nil && req.MutedUntil.Before(time.Now()) {
		badRequest(c, "muted_until is in the past")
		return
	}
	if err := s.store.UpsertMuteRule(c.Request.Context(), userID(c), req.TargetType, req.TargetID, req.MutedUntil); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": true})
}

func (s *Server) handleNotificationList(c *gin.Context) {
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

	ctx := c.Request.Context()
	caller := userID(c)
	rows, err := s.store.NotificationsPage(ctx, caller, cursor, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	unread, err := s.store.UnreadNotificationCount(ctx, caller)
	if err != nil {
		s.respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		n := &rows[i]
		entry := gin.H{
			"id":          n.ID.String(),
			"type":        n.Type,
			"title":       n.Title,
			"body":        n.Body,
			"source_type": n.SourceType,
			"source_id":   n.SourceID,
			"read":        n.Read,
			"created_at":  n.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if n.SenderID.Valid {
			entry["sender_id"] = n.SenderID.Int64
		}
		if len(n.Data) > 0 {
			entry["data"] = json.RawMessage(n.Data)
		}
		out = append(out, entry)
	}
	resp := gin.H{"notifications": out, "unread_count": unread}
	if len(rows) > 0 {
		resp["next_cursor"] = rows[len(rows)-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, resp)
}

type notificationsReadRequest struct {
	IDs []string `json:"ids"`
	All bool     `json:"all"`
}

func (s *Server) handleNotificationsRead(c *gin.Context) {
	var req notificationsReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	if !req.All && len(req.IDs) == 0 {
		badRequest(c, "ids or all is required")
		return
	}
	var ids []uuid.UUID
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, "invalid notification id")
			return
		}
		ids = append(ids, id)
	}
	if req.All {
		ids = nil // empty set marks everything
	}
	if err := s.store.MarkNotificationsRead(c.Request.Context(), userID(c), ids); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/axiona25/securechat-sub000/internal/media"
	"github.com/axiona25/securechat-sub000/internal/store"
)

// handleMediaUpload accepts a client-encrypted blob and optional thumbnail.
// The server never sees plaintext; file_hash is the SHA-256 of the original
// plaintext, supplied and verified by clients.
func (s *Server) handleMediaUpload(c *gin.Context) {
	convID, err := uuid.Parse(c.PostForm("conversation_id"))
	if err != nil {
		badRequest(c, "invalid conversation_id")
		return
	}
	encryptedFileKey := c.PostForm("encrypted_file_key")
	encryptedMeta := c.PostForm("encrypted_metadata")
	fileHash := c.PostForm("file_hash")
	if encryptedFileKey == "" || encryptedMeta == "" || fileHash == "" {
		badRequest(c, "encrypted_file_key, encrypted_metadata and file_hash are required")
		return
	}

	caller := userID(c)
	ctx := c.Request.Context()
	if _, err := s.store.ParticipantOf(ctx, convID, caller); err != nil {
		s.respondError(c, store.ErrForbidden)
		return
	}

	file, err := c.FormFile("encrypted_file")
	if err != nil {
		badRequest(c, "encrypted_file is required")
		return
	}
	if file.Size > media.MaxFileSize {
		badRequest(c, fmt.Sprintf("encrypted_file exceeds %d bytes", media.MaxFileSize))
		return
	}

	id := uuid.New()
	fileKey := "attachments/" + id.String()

	src, err := file.Open()
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer src.Close()
	if err := s.media.Put(ctx, fileKey, src, file.Size); err != nil {
		s.respondError(c, err)
		return
	}

	att := &store.Attachment{
		ID:               id,
		ConversationID:   convID,
		UploadedBy:       caller,
		FileKey:          fileKey,
		EncryptedFileKey: encryptedFileKey,
		EncryptedMeta:    encryptedMeta,
		FileHash:         fileHash,
		SizeBytes:        file.Size,
	}

	if thumb, err := c.FormFile("encrypted_thumbnail"); err == nil {
		if thumb.Size > media.MaxThumbSize {
			badRequest(c, fmt.Sprintf("encrypted_thumbnail exceeds %d bytes", media.MaxThumbSize))
			return
		}
		thumbKey := "thumbs/" + id.String()
		tsrc, err := thumb.Open()
		if err != nil {
			s.respondError(c, err)
			return
		}
		defer tsrc.Close()
		if err := s.media.Put(ctx, thumbKey, tsrc, thumb.Size); err != nil {
			s.respondError(c, err)
			return
		}
		att.ThumbKey.String, att.ThumbKey.Valid = thumbKey, true
	}

	if err := s.store.CreateAttachment(ctx, att); err != nil {
		// Durable record failed; do not leave an orphaned blob behind.
		_ = s.media.Delete(ctx, fileKey)
		if att.ThumbKey.Valid {
			_ = s.media.Delete(ctx, att.ThumbKey.String)
		}
		s.respondError(c, err)
		return
	}

	resp := gin.H{
		"attachment_id": id.String(),
		"download_url":  "/chat/media/" + id.String() + "/download/",
	}
	if att.ThumbKey.Valid {
		resp["thumbnail_url"] = "/chat/media/" + id.String() + "/download/?thumb=true"
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleMediaDownload(c *gin.Context) {
	att, ok := s.authorizeAttachment(c)
	if !ok {
		return
	}
	key := att.FileKey
	if c.Query("thumb") == "true" {
		if !att.ThumbKey.Valid {
			s.respondError(c, media.ErrNotFound)
			return
		}
		key = att.ThumbKey.String
	}

	rc, err := s.media.Get(c.Request.Context(), key)
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer rc.Close()

	c.Header("X-File-Hash", att.FileHash)
	c.Header("X-Is-Encrypted", "true")
	c.Header("Content-Type", "application/octet-stream")
	if key == att.FileKey {
		c.Header("Content-Length", strconv.FormatInt(att.SizeBytes, 10))
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		s.logger.Warn().Err(err).Stringer("attachment", att.ID).Msg("download aborted")
	}
}

func (s *Server) handleMediaKey(c *gin.Context) {
	att, ok := s.authorizeAttachment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"encrypted_file_key": att.EncryptedFileKey,
		"encrypted_metadata": att.EncryptedMeta,
		"file_hash":          att.FileHash,
		"is_encrypted":       true,
	})
}

// authorizeAttachment loads the attachment and enforces access: conversation
// participants for linked attachments, uploader only for unlinked ones.
func (s *Server) authorizeAttachment(c *gin.Context) (*store.Attachment, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid attachment id")
		return nil, false
	}
	ctx := c.Request.Context()
	att, err := s.store.AttachmentByID(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	allowed, err := s.store.CanAccessAttachment(ctx, att, userID(c))
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if !allowed {
		s.respondError(c, store.ErrForbidden)
		return nil, false
	}
	return att, true
}

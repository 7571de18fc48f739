package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateAttachment records an uploaded blob before it is linked to a message.
func (s *Store) CreateAttachment(ctx context.Context, a *Attachment) error {
	defer s.observe("create_attachment", time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments
			(id, conversation_id, uploaded_by, file_key, thumb_key,
			 encrypted_file_key, encrypted_metadata, file_hash, size_bytes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.ConversationID, a.UploadedBy, a.FileKey, a.ThumbKey,
		a.EncryptedFileKey, a.EncryptedMeta, a.FileHash, a.SizeBytes)
	return err
}

// AttachmentByID fetches one attachment row.
func (s *Store) AttachmentByID(ctx context.Context, id uuid.UUID) (*Attachment, error) {
	defer s.observe("attachment_by_id", time.Now())
	var a Attachment
	if err := s.db.GetContext(ctx, &a, `SELECT * FROM attachments WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err)
	}
	return &a, nil
}

// CanAccessAttachment reports whether a user may download the blob. Linked
// attachments are readable by any participant of their conversation; an
// unlinked attachment only by its uploader.
func (s *Store) CanAccessAttachment(ctx context.Context, a *Attachment, userID int64) (bool, error) {
	defer s.observe("can_access_attachment", time.Now())
	if !a.MessageID.Valid {
		return a.UploadedBy == userID, nil
	}
	_, err := s.ParticipantOf(ctx, a.ConversationID, userID)
	switch {
	case err == nil:
		return true, nil
	case isNoRows(err):
		return false, nil
	default:
		return false, err
	}
}

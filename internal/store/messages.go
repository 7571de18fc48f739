package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EditWindow bounds how long after creation a message may be edited.
const EditWindow = 900 * time.Second

// ErrEditWindowClosed is returned for edits after the window.
var ErrEditWindowClosed = errors.New("store: edit window closed")

// NewMessage is the persisted part of a send operation.
type NewMessage struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       int64
	Type           string
	Ciphertext     []byte
	Plaintext      *string // opt-in shadow, never populated silently
	ReplyToID      *uuid.UUID
	ForwardedFrom  *uuid.UUID
	AttachmentID   *uuid.UUID
	Recipients     map[int64][]byte // per-recipient envelopes, may be nil
}

// InsertMessage runs the durable half of the send pipeline in one
// transaction: message row, optional attachment link, per-recipient
// envelopes, sender status, conversation bump and unread increments.
func (s *Store) InsertMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	defer s.observe("insert_message", time.Now())
	s.metrics.MessagesPersisted.Inc()

	var saved Message
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if msg.ReplyToID != nil {
			var ok bool
			if err := tx.GetContext(ctx, &ok, `
				SELECT NOT is_deleted FROM messages
				WHERE id = $1 AND conversation_id = $2`,
				*msg.ReplyToID, msg.ConversationID); err != nil {
				return wrapNotFound(err)
			}
			if !ok {
				return ErrNotFound
			}
		}

		if err := tx.GetContext(ctx, &saved, `
			INSERT INTO messages
				(id, conversation_id, sender_id, type, ciphertext, plaintext,
				 reply_to_id, forwarded_from, attachment_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING *`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.Type, msg.Ciphertext,
			msg.Plaintext, msg.ReplyToID, msg.ForwardedFrom, msg.AttachmentID); err != nil {
			return err
		}

		if msg.AttachmentID != nil {
			// Link is constrained to the uploader's own unlinked attachment;
			// a miss is non-fatal.
			if _, err := tx.ExecContext(ctx, `
				UPDATE attachments SET message_id = $1
				WHERE id = $2 AND uploaded_by = $3 AND message_id IS NULL`,
				saved.ID, *msg.AttachmentID, msg.SenderID); err != nil {
				return err
			}
		}

		for userID, ciphertext := range msg.Recipients {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_recipients (message_id, user_id, ciphertext)
				VALUES ($1, $2, $3)
				ON CONFLICT (message_id, user_id) DO NOTHING`,
				saved.ID, userID, ciphertext); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_statuses (message_id, user_id, status)
			VALUES ($1, $2, 'sent')`, saved.ID, msg.SenderID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET last_message_id = $2, updated_at = now()
			WHERE id = $1`, msg.ConversationID, saved.ID); err != nil {
			return err
		}

		// Database-side increment; never read-modify-write in memory.
		if _, err := tx.ExecContext(ctx, `
			UPDATE participants SET unread_count = unread_count + 1
			WHERE conversation_id = $1 AND user_id <> $2`,
			msg.ConversationID, msg.SenderID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// MessageByID fetches one message.
func (s *Store) MessageByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	defer s.observe("message_by_id", time.Now())
	var m Message
	if err := s.db.GetContext(ctx, &m, `SELECT * FROM messages WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

// EditMessage replaces ciphertext iff the requester is the sender and the
// edit window is still open.
func (s *Store) EditMessage(ctx context.Context, id uuid.UUID, requester int64, ciphertext []byte) (*Message, error) {
	defer s.observe("edit_message", time.Now())

	var m Message
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &m, `
			SELECT * FROM messages WHERE id = $1 FOR UPDATE`, id); err != nil {
			return wrapNotFound(err)
		}
		if m.SenderID != requester {
			return ErrForbidden
		}
		if m.IsDeleted {
			return ErrNotFound
		}
		if time.Since(m.CreatedAt) > EditWindow {
			return ErrEditWindowClosed
		}
		return tx.GetContext(ctx, &m, `
			UPDATE messages SET ciphertext = $2, is_edited = TRUE, edited_at = now()
			WHERE id = $1 RETURNING *`, id, ciphertext)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage tombstones a message: ciphertext cleared, flags set, and
// per-recipient envelopes scrubbed.
func (s *Store) DeleteMessage(ctx context.Context, id uuid.UUID, requester int64) (*Message, error) {
	defer s.observe("delete_message", time.Now())

	var m Message
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &m, `
			SELECT * FROM messages WHERE id = $1 FOR UPDATE`, id); err != nil {
			return wrapNotFound(err)
		}
		if m.SenderID != requester {
			return ErrForbidden
		}
		if err := tx.GetContext(ctx, &m, `
			UPDATE messages
			SET ciphertext = ''::bytea, plaintext = NULL, is_deleted = TRUE
			WHERE id = $1 RETURNING *`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM message_recipients WHERE message_id = $1`, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MessagePage is a cursor page of messages, newest first.
type MessagePage struct {
	Messages   []Message
	NextCursor *time.Time
}

// MessagesPage returns up to limit messages of a conversation older than the
// cursor, respecting the participant's cleared_at watermark.
func (s *Store) MessagesPage(ctx context.Context, conversationID uuid.UUID, userID int64, cursor *time.Time, limit int) (*MessagePage, error) {
	defer s.observe("messages_page", time.Now())
	if limit <= 0 || limit > 50 {
		limit = 50
	}

	p, err := s.ParticipantOf(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT * FROM messages
		WHERE conversation_id = $1`
	args := []any{conversationID}
	if p.ClearedAt.Valid {
		args = append(args, p.ClearedAt.Time)
		query += ` AND created_at > $2`
	}
	if cursor != nil {
		args = append(args, *cursor)
		query += ` AND created_at < $` + itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + itoa(len(args))

	var rows []Message
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	page := &MessagePage{Messages: rows}
	if len(rows) == limit {
		last := rows[len(rows)-1].CreatedAt
		page.NextCursor = &last
	}
	return page, nil
}

// RecipientEnvelope returns the per-recipient ciphertext of a message for
// one user, or nil when the sender did not produce envelopes.
func (s *Store) RecipientEnvelope(ctx context.Context, messageID uuid.UUID, userID int64) ([]byte, error) {
	defer s.observe("recipient_envelope", time.Now())
	var ciphertext []byte
	err := s.db.GetContext(ctx, &ciphertext, `
		SELECT ciphertext FROM message_recipients
		WHERE message_id = $1 AND user_id = $2`, messageID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ciphertext, err
}

// UpsertMessageStatus records a status transition on the strict lattice
// sent < delivered < read; downgrades are silently ignored. Returns true
// when the row changed.
func (s *Store) UpsertMessageStatus(ctx context.Context, messageID uuid.UUID, userID int64, status string) (bool, error) {
	defer s.observe("upsert_message_status", time.Now())
	if statusRank(status) < 0 {
		return false, ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_statuses (message_id, user_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET status = $3, updated_at = now()
		WHERE array_position(ARRAY['sent','delivered','read'], message_statuses.status)
		    < array_position(ARRAY['sent','delivered','read'], $3)`,
		messageID, userID, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ToggleReaction writes, rewrites or removes the (message, user) reaction.
// An empty emoji removes the row. Returns the resulting emoji ("" when
// removed).
func (s *Store) ToggleReaction(ctx context.Context, messageID uuid.UUID, userID int64, emoji string) (string, error) {
	defer s.observe("toggle_reaction", time.Now())
	if emoji == "" {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM reactions WHERE message_id = $1 AND user_id = $2`,
			messageID, userID)
		return "", err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = $3`,
		messageID, userID, emoji)
	return emoji, err
}

func itoa(n int) string { return strconv.Itoa(n) }

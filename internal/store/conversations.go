package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PrivateConversationResult reports whether an existing hidden conversation
// was re-opened; clients reset their ratchet session when SessionReset is set.
type PrivateConversationResult struct {
	Conversation *Conversation
	Created      bool
	SessionReset bool
}

// EnsurePrivateConversation returns the private conversation between two
// users, creating it if absent. Re-opening a conversation the caller had
// hidden unhides it and flags a session reset.
func (s *Store) EnsurePrivateConversation(ctx context.Context, userA, userB int64) (*PrivateConversationResult, error) {
	defer s.observe("ensure_private_conversation", time.Now())

	var result PrivateConversationResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var conv Conversation
		err := tx.GetContext(ctx, &conv, `
			SELECT c.* FROM conversations c
			JOIN participants pa ON pa.conversation_id = c.id AND pa.user_id = $1
			JOIN participants pb ON pb.conversation_id = c.id AND pb.user_id = $2
			WHERE c.type = 'private'
			LIMIT 1`, userA, userB)
		switch {
		case err == nil:
			var hidden bool
			if err := tx.GetContext(ctx, &hidden, `
				SELECT is_hidden FROM participants
				WHERE conversation_id = $1 AND user_id = $2`, conv.ID, userA); err != nil {
				return err
			}
			if hidden {
				// Re-opening invalidates the ratchet session on both sides;
				// each participant sees the flag until their next list read.
				if _, err := tx.ExecContext(ctx, `
					UPDATE participants SET is_hidden = FALSE, session_reset = TRUE
					WHERE conversation_id = $1 AND user_id = $2`, conv.ID, userA); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE participants SET session_reset = TRUE
					WHERE conversation_id = $1 AND user_id = $2`, conv.ID, userB); err != nil {
					return err
				}
				result.SessionReset = true
			}
			result.Conversation = &conv
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// Fall through to creation.
		default:
			return err
		}

		conv = Conversation{ID: uuid.New(), Type: ConvPrivate}
		if err := tx.GetContext(ctx, &conv, `
			INSERT INTO conversations (id, type) VALUES ($1, 'private')
			RETURNING *`, conv.ID); err != nil {
			return err
		}
		for _, uid := range []int64{userA, userB} {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO participants (conversation_id, user_id, role)
				VALUES ($1, $2, 'member')`, conv.ID, uid); err != nil {
				return err
			}
		}
		result.Conversation = &conv
		result.Created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ConversationByID fetches one conversation.
func (s *Store) ConversationByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	defer s.observe("conversation_by_id", time.Now())
	var conv Conversation
	if err := s.db.GetContext(ctx, &conv, `SELECT * FROM conversations WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err)
	}
	return &conv, nil
}

// ConversationListEntry is one row of a user's conversation list.
type ConversationListEntry struct {
	Conversation
	UnreadCount  int          `db:"unread_count"`
	IsFavorite   bool         `db:"is_favorite"`
	MutedUntil   sql.NullTime `db:"muted_until"`
	SessionReset bool         `db:"session_reset"`
}

// ConversationsForUser lists the caller's visible conversations, most
// recently updated first. A pending session_reset flag is surfaced once and
// cleared by the read.
func (s *Store) ConversationsForUser(ctx context.Context, userID int64, limit, offset int) ([]ConversationListEntry, error) {
	defer s.observe("conversations_for_user", time.Now())
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var rows []ConversationListEntry
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &rows, `
			SELECT c.*, p.unread_count, p.is_favorite, p.muted_until, p.session_reset
			FROM conversations c
			JOIN participants p ON p.conversation_id = c.id
			WHERE p.user_id = $1 AND NOT p.is_hidden
			ORDER BY c.updated_at DESC
			LIMIT $2 OFFSET $3`, userID, limit, offset); err != nil {
			return err
		}
		var flagged []uuid.UUID
		for i := range rows {
			if rows[i].SessionReset {
				flagged = append(flagged, rows[i].ID)
			}
		}
		if len(flagged) == 0 {
			return nil
		}
		query, args, err := sqlx.In(`
			UPDATE participants SET session_reset = FALSE
			WHERE user_id = ? AND conversation_id IN (?)`, userID, flagged)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
		return err
	})
	return rows, err
}

// ConversationIDsForUser returns every conversation the user participates in,
// used by the session router to build its topic set.
func (s *Store) ConversationIDsForUser(ctx context.Context, userID int64) ([]uuid.UUID, error) {
	defer s.observe("conversation_ids_for_user", time.Now())
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		SELECT conversation_id FROM participants WHERE user_id = $1`, userID)
	return ids, err
}

// ParticipantOf returns the participant row binding user to conversation.
func (s *Store) ParticipantOf(ctx context.Context, conversationID uuid.UUID, userID int64) (*Participant, error) {
	defer s.observe("participant_of", time.Now())
	var p Participant
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM participants
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

// ParticipantsOf lists all participants of a conversation.
func (s *Store) ParticipantsOf(ctx context.Context, conversationID uuid.UUID) ([]Participant, error) {
	defer s.observe("participants_of", time.Now())
	var rows []Participant
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM participants WHERE conversation_id = $1`, conversationID)
	return rows, err
}

// MarkConversationRead resets the caller's unread counter, stamps
// last_read_at and upgrades every non-sender message status to read,
// backfilling missing rows. It returns the affected message ids grouped by
// their sender so the pipeline can notify each one.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID uuid.UUID, userID int64) (map[int64][]uuid.UUID, error) {
	defer s.observe("mark_conversation_read", time.Now())

	bySender := make(map[int64][]uuid.UUID)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE participants SET unread_count = 0, last_read_at = now()
			WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID); err != nil {
			return err
		}

		// Messages from others that this user has not read yet.
		var rows []struct {
			ID       uuid.UUID `db:"id"`
			SenderID int64     `db:"sender_id"`
		}
		if err := tx.SelectContext(ctx, &rows, `
			SELECT m.id, m.sender_id FROM messages m
			LEFT JOIN message_statuses ms ON ms.message_id = m.id AND ms.user_id = $2
			WHERE m.conversation_id = $1
			  AND m.sender_id <> $2
			  AND NOT m.is_deleted
			  AND (ms.status IS NULL OR ms.status <> 'read')`,
			conversationID, userID); err != nil {
			return err
		}

		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_statuses (message_id, user_id, status)
				VALUES ($1, $2, 'read')
				ON CONFLICT (message_id, user_id)
				DO UPDATE SET status = 'read', updated_at = now()`,
				row.ID, userID); err != nil {
				return err
			}
			bySender[row.SenderID] = append(bySender[row.SenderID], row.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bySender, nil
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrBadTransition is returned when a call status change is not legal from
// the current state.
var ErrBadTransition = errors.New("store: illegal call transition")

// CreateCall inserts a ringing call with the initiator as first participant.
func (s *Store) CreateCall(ctx context.Context, conversationID uuid.UUID, initiatorID int64, callType string) (*Call, error) {
	defer s.observe("create_call", time.Now())

	var call Call
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &call, `
			INSERT INTO calls (id, conversation_id, initiator_id, type, status)
			VALUES ($1, $2, $3, $4, 'ringing')
			RETURNING *`, uuid.New(), conversationID, initiatorID, callType); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO call_participants (call_id, user_id) VALUES ($1, $2)`,
			call.ID, initiatorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// CallByID fetches one call.
func (s *Store) CallByID(ctx context.Context, id uuid.UUID) (*Call, error) {
	defer s.observe("call_by_id", time.Now())
	var call Call
	if err := s.db.GetContext(ctx, &call, `SELECT * FROM calls WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err)
	}
	return &call, nil
}

// AcceptCall transitions ringing → ongoing and joins the callee.
func (s *Store) AcceptCall(ctx context.Context, callID uuid.UUID, calleeID int64) (*Call, error) {
	defer s.observe("accept_call", time.Now())

	var call Call
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &call, `
			UPDATE calls SET status = 'ongoing', started_at = now()
			WHERE id = $1 AND status = 'ringing'
			RETURNING *`, callID)
		if err != nil {
			if isNoRows(err) {
				return ErrBadTransition
			}
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO call_participants (call_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (call_id, user_id) DO UPDATE SET left_at = NULL, joined_at = now()`,
			callID, calleeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// FinishCall moves a ringing call to a terminal side-state
// (rejected, busy, missed, failed) and stamps ended_at.
func (s *Store) FinishCall(ctx context.Context, callID uuid.UUID, status string) (*Call, error) {
	defer s.observe("finish_call", time.Now())
	switch status {
	case CallRejected, CallBusy, CallMissed, CallFailed:
	default:
		return nil, ErrBadTransition
	}
	var call Call
	err := s.db.GetContext(ctx, &call, `
		UPDATE calls SET status = $2, ended_at = now()
		WHERE id = $1 AND status = 'ringing'
		RETURNING *`, callID, status)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrBadTransition
		}
		return nil, err
	}
	return &call, nil
}

// EndCall terminates a ringing or ongoing call, computes its duration in
// seconds (0 when never answered) and stamps every remaining participant's
// left_at.
func (s *Store) EndCall(ctx context.Context, callID uuid.UUID) (*Call, error) {
	defer s.observe("end_call", time.Now())

	var call Call
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &call, `
			UPDATE calls SET
				status = 'ended',
				ended_at = now(),
				duration = CASE WHEN started_at IS NULL THEN 0
					ELSE GREATEST(0, EXTRACT(EPOCH FROM now() - started_at)::int) END
			WHERE id = $1 AND status IN ('ringing','ongoing')
			RETURNING *`, callID)
		if err != nil {
			if isNoRows(err) {
				return ErrBadTransition
			}
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE call_participants SET left_at = now()
			WHERE call_id = $1 AND left_at IS NULL`, callID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// SetCallParticipantFlag persists one of the toggleable flags.
func (s *Store) SetCallParticipantFlag(ctx context.Context, callID uuid.UUID, userID int64, flag string, value bool) error {
	defer s.observe("set_call_participant_flag", time.Now())
	var column string
	switch flag {
	case "mute":
		column = "is_muted"
	case "video":
		column = "video_enabled"
	case "speaker":
		column = "speaker_on"
	default:
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_participants SET `+column+` = $3
		WHERE call_id = $1 AND user_id = $2`, callID, userID, value)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveICEServers returns the configured ICE servers.
func (s *Store) ActiveICEServers(ctx context.Context) ([]ICEServer, error) {
	defer s.observe("active_ice_servers", time.Now())
	var rows []ICEServer
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM ice_servers WHERE active ORDER BY id`)
	return rows, err
}

func isNoRows(err error) bool {
	return errors.Is(wrapNotFound(err), ErrNotFound)
}

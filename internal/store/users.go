package store

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
)

// CreateUser registers a user; email is case-folded before storage.
func (s *Store) CreateUser(ctx context.Context, email, username, passwordHash string) (*User, error) {
	defer s.observe("create_user", time.Now())

	var u User
	err := s.db.GetContext(ctx, &u, `
		INSERT INTO users (email, username, password_hash)
		VALUES ($1, $2, $3)
		RETURNING *`,
		strings.ToLower(strings.TrimSpace(email)), username, passwordHash)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrConflict
		}
		return nil, err
	}
	return &u, nil
}

// UserByEmail looks a user up by case-folded email; soft-deleted rows are
// invisible.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	defer s.observe("user_by_email", time.Now())
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT * FROM users WHERE email = $1 AND deleted_at IS NULL`,
		strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

// UserByID fetches a user by id.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	defer s.observe("user_by_id", time.Now())
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT * FROM users WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

// MarkVerified flips the verification flag after a valid email code.
func (s *Store) MarkVerified(ctx context.Context, userID int64) error {
	defer s.observe("mark_verified", time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_verified = TRUE WHERE id = $1`, userID)
	return err
}

// SetPresence records the online flag and stamps last_seen.
func (s *Store) SetPresence(ctx context.Context, userID int64, online bool) error {
	defer s.observe("set_presence", time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = $2, last_seen = now() WHERE id = $1`,
		userID, online)
	return err
}

// SaveEmailCode stores the hashed verification code for a user.
func (s *Store) SaveEmailCode(ctx context.Context, userID int64, codeHash string, expiresAt time.Time) error {
	defer s.observe("save_email_code", time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_codes (user_id, code_hash, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET code_hash = $2, expires_at = $3`,
		userID, codeHash, expiresAt)
	return err
}

// EmailCode returns the pending verification code hash, if unexpired.
func (s *Store) EmailCode(ctx context.Context, userID int64) (string, error) {
	defer s.observe("email_code", time.Now())
	var hash string
	err := s.db.GetContext(ctx, &hash,
		`SELECT code_hash FROM email_codes WHERE user_id = $1 AND expires_at > now()`, userID)
	if err != nil {
		return "", wrapNotFound(err)
	}
	return hash, nil
}

// DeleteEmailCode removes a consumed verification code.
func (s *Store) DeleteEmailCode(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM email_codes WHERE user_id = $1`, userID)
	return err
}

// BlacklistRefreshToken voids a refresh token id until it would expire.
func (s *Store) BlacklistRefreshToken(ctx context.Context, tokenID string, userID int64, expiresAt time.Time) error {
	defer s.observe("blacklist_token", time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_blacklist (token_id, user_id, expires_at)
		VALUES ($1, $2, $3) ON CONFLICT (token_id) DO NOTHING`,
		tokenID, userID, expiresAt)
	return err
}

// RefreshTokenBlacklisted reports whether a refresh token id was voided.
func (s *Store) RefreshTokenBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	defer s.observe("token_blacklisted", time.Now())
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT count(*) FROM refresh_blacklist WHERE token_id = $1 AND expires_at > now()`, tokenID)
	return count > 0, err
}

// PurgeExpiredBlacklist drops blacklist rows past their expiry.
func (s *Store) PurgeExpiredBlacklist(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_blacklist WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

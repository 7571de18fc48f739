package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// SignedPrekeyMaxAge is how long a signed prekey stays fresh.
const SignedPrekeyMaxAge = 7 * 24 * time.Hour

// UpsertKeyBundle stores a bundle, returning the previously stored identity
// key (nil on first upload) so the caller can detect identity changes.
func (s *Store) UpsertKeyBundle(ctx context.Context, b *KeyBundle, prekeys []OneTimePrekey) ([]byte, error) {
	defer s.observe("upsert_key_bundle", time.Now())

	var previous []byte
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &previous, `
			SELECT identity_key FROM key_bundles WHERE user_id = $1 FOR UPDATE`,
			b.UserID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO key_bundles
				(user_id, crypto_version, identity_key, identity_dh_key,
				 signed_prekey, signed_prekey_signature, signed_prekey_id,
				 signed_prekey_created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
			ON CONFLICT (user_id) DO UPDATE SET
				crypto_version = $2, identity_key = $3, identity_dh_key = $4,
				signed_prekey = $5, signed_prekey_signature = $6,
				signed_prekey_id = $7, signed_prekey_created_at = $8,
				updated_at = now()`,
			b.UserID, b.CryptoVersion, b.IdentityKey, b.IdentityDHKey,
			b.SignedPrekey, b.SignedPrekeySignature, b.SignedPrekeyID,
			b.SignedPrekeyCreatedAt); err != nil {
			return err
		}

		for _, pk := range prekeys {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO one_time_prekeys (user_id, key_id, public_key)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, key_id) DO NOTHING`,
				b.UserID, pk.KeyID, pk.PublicKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// KeyBundleByUser fetches a user's bundle.
func (s *Store) KeyBundleByUser(ctx context.Context, userID int64) (*KeyBundle, error) {
	defer s.observe("key_bundle_by_user", time.Now())
	var b KeyBundle
	if err := s.db.GetContext(ctx, &b, `SELECT * FROM key_bundles WHERE user_id = $1`, userID); err != nil {
		return nil, wrapNotFound(err)
	}
	return &b, nil
}

// InsertPrekeys appends replenished one-time prekeys, skipping duplicates.
func (s *Store) InsertPrekeys(ctx context.Context, userID int64, prekeys []OneTimePrekey) error {
	defer s.observe("insert_prekeys", time.Now())
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, pk := range prekeys {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO one_time_prekeys (user_id, key_id, public_key)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, key_id) DO NOTHING`,
				userID, pk.KeyID, pk.PublicKey); err != nil {
				return err
			}
		}
		return nil
	})
}

// RotateSignedPrekey replaces the current signed prekey in place.
func (s *Store) RotateSignedPrekey(ctx context.Context, userID int64, prekey, signature []byte, keyID int) error {
	defer s.observe("rotate_signed_prekey", time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE key_bundles SET
			signed_prekey = $2, signed_prekey_signature = $3,
			signed_prekey_id = $4, signed_prekey_created_at = now(),
			updated_at = now()
		WHERE user_id = $1`, userID, prekey, signature, keyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumePrekey atomically claims one unused one-time prekey for the
// requester. SKIP LOCKED guarantees two concurrent fetches never observe the
// same key as unused; each wins a distinct row or none.
func (s *Store) ConsumePrekey(ctx context.Context, targetUserID, requesterID int64) (*OneTimePrekey, error) {
	defer s.observe("consume_prekey", time.Now())

	var pk OneTimePrekey
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &pk, `
			SELECT * FROM one_time_prekeys
			WHERE user_id = $1 AND NOT is_used
			ORDER BY key_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, targetUserID)
		if err != nil {
			return wrapNotFound(err)
		}
		return tx.GetContext(ctx, &pk, `
			UPDATE one_time_prekeys
			SET is_used = TRUE, used_by = $3, used_at = now()
			WHERE user_id = $1 AND key_id = $2
			RETURNING *`, pk.UserID, pk.KeyID, requesterID)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil // pool exhausted, not an error
	}
	if err != nil {
		return nil, err
	}
	return &pk, nil
}

// UnusedPrekeyCount reports how many one-time prekeys remain for a user.
func (s *Store) UnusedPrekeyCount(ctx context.Context, userID int64) (int, error) {
	defer s.observe("unused_prekey_count", time.Now())
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*) FROM one_time_prekeys WHERE user_id = $1 AND NOT is_used`,
		userID)
	return count, err
}

// LowPrekeyUsers lists users whose unused one-time prekey pool has dropped
// below the threshold. Used by the maintenance sweep to nudge clients.
func (s *Store) LowPrekeyUsers(ctx context.Context, threshold int) ([]int64, error) {
	defer s.observe("low_prekey_users", time.Now())
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT b.user_id FROM key_bundles b
		LEFT JOIN one_time_prekeys p ON p.user_id = b.user_id AND NOT p.is_used
		GROUP BY b.user_id
		HAVING count(p.key_id) < $1`, threshold)
	return ids, err
}

// StaleSignedPrekeyUsers lists users whose signed prekey is older than maxAge.
func (s *Store) StaleSignedPrekeyUsers(ctx context.Context, maxAge time.Duration) ([]int64, error) {
	defer s.observe("stale_signed_prekey_users", time.Now())
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM key_bundles
		WHERE signed_prekey_created_at < now() - ($1 * interval '1 second')`,
		int64(maxAge.Seconds()))
	return ids, err
}

// LogKeyFetch records a bundle fetch for the audit trail.
func (s *Store) LogKeyFetch(ctx context.Context, requesterID, targetID int64, ip, userAgent string) error {
	defer s.observe("log_key_fetch", time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_fetch_logs (requester_id, target_id, ip, user_agent)
		VALUES ($1, $2, $3, $4)`, requesterID, targetID, ip, userAgent)
	return err
}

// KeyFetchesSince counts a requester's fetches in the trailing window.
func (s *Store) KeyFetchesSince(ctx context.Context, requesterID int64, since time.Time) (int, error) {
	defer s.observe("key_fetches_since", time.Now())
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*) FROM key_fetch_logs
		WHERE requester_id = $1 AND created_at >= $2`, requesterID, since)
	return count, err
}

// SaveRatchetSession stores a client's opaque ratchet blob. The server
// never parses these bytes.
func (s *Store) SaveRatchetSession(ctx context.Context, ownerID, peerID int64, state []byte) error {
	defer s.observe("save_ratchet_session", time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ratchet_sessions (owner_id, peer_id, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, peer_id) DO UPDATE SET state = $3, updated_at = now()`,
		ownerID, peerID, state)
	return err
}

// RatchetSession returns the stored blob for (owner, peer).
func (s *Store) RatchetSession(ctx context.Context, ownerID, peerID int64) ([]byte, error) {
	defer s.observe("ratchet_session", time.Now())
	var state []byte
	err := s.db.GetContext(ctx, &state, `
		SELECT state FROM ratchet_sessions WHERE owner_id = $1 AND peer_id = $2`,
		ownerID, peerID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return state, nil
}

// DeleteRatchetSession removes the (owner, peer) blob, used on session reset.
func (s *Store) DeleteRatchetSession(ctx context.Context, ownerID, peerID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM ratchet_sessions WHERE owner_id = $1 AND peer_id = $2`,
		ownerID, peerID)
	return err
}

// InsertSecurityAlert persists an alert row.
func (s *Store) InsertSecurityAlert(ctx context.Context, alert *SecurityAlert) error {
	defer s.observe("insert_security_alert", time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_alerts (id, user_id, alert_type, severity, metadata, ip)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.ID, alert.UserID, alert.AlertType, alert.Severity, alert.Metadata, alert.IP)
	return err
}

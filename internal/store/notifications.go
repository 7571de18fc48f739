package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// UpsertDeviceToken registers or refreshes a (user, device) token.
func (s *Store) UpsertDeviceToken(ctx context.Context, t *DeviceToken) error {
	defer s.observe("upsert_device_token", time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_tokens (user_id, device_id, token, platform, active, last_used_at)
		VALUES ($1, $2, $3, $4, TRUE, now())
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET token = $3, platform = $4, active = TRUE, last_used_at = now()`,
		t.UserID, t.DeviceID, t.Token, t.Platform)
	return err
}

// ActiveDeviceTokens returns the user's active vendor tokens.
func (s *Store) ActiveDeviceTokens(ctx context.Context, userID int64) ([]DeviceToken, error) {
	defer s.observe("active_device_tokens", time.Now())
	var rows []DeviceToken
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM device_tokens WHERE user_id = $1 AND active`, userID)
	return rows, err
}

// DeactivateDeviceToken reaps a token the vendor rejected.
func (s *Store) DeactivateDeviceToken(ctx context.Context, token string) error {
	defer s.observe("deactivate_device_token", time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_tokens SET active = FALSE WHERE token = $1`, token)
	if err == nil && s.metrics != nil {
		s.metrics.TokensReaped.Inc()
	}
	return err
}

// DeactivateStaleDeviceTokens reaps tokens unused for the given age.
func (s *Store) DeactivateStaleDeviceTokens(ctx context.Context, olderThan time.Duration) (int64, error) {
	defer s.observe("deactivate_stale_tokens", time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_tokens SET active = FALSE
		WHERE active AND last_used_at < now() - ($1 * interval '1 second')`,
		int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PreferenceFor returns the user's notification preference, creating the
// all-enabled default row on first sight.
func (s *Store) PreferenceFor(ctx context.Context, userID int64) (*NotificationPreference, error) {
	defer s.observe("preference_for", time.Now())
	var p NotificationPreference
	err := s.db.GetContext(ctx, &p, `
		INSERT INTO notification_preferences (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = $1
		RETURNING *`, userID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePreference overwrites the preference row.
func (s *Store) UpdatePreference(ctx context.Context, p *NotificationPreference) error {
	defer s.observe("update_preference", time.Now())
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notification_preferences
			(user_id, new_message, group_message, call, security_alert, channel_post,
			 dnd_enabled, dnd_start, dnd_end, show_preview, sound_enabled, vibration)
		VALUES (:user_id, :new_message, :group_message, :call, :security_alert, :channel_post,
			 :dnd_enabled, :dnd_start, :dnd_end, :show_preview, :sound_enabled, :vibration)
		ON CONFLICT (user_id) DO UPDATE SET
			new_message = :new_message, group_message = :group_message, call = :call,
			security_alert = :security_alert, channel_post = :channel_post,
			dnd_enabled = :dnd_enabled, dnd_start = :dnd_start, dnd_end = :dnd_end,
			show_preview = :show_preview, sound_enabled = :sound_enabled,
			vibration = :vibration`, p)
	return err
}

// ActiveMuteRule reports whether the user currently mutes the target.
func (s *Store) ActiveMuteRule(ctx context.Context, userID int64, targetType, targetID string) (bool, error) {
	defer s.observe("active_mute_rule", time.Now())
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*) FROM mute_rules
		WHERE user_id = $1 AND target_type = $2 AND target_id = $3
		  AND (muted_until IS NULL OR muted_until > now())`,
		userID, targetType, targetID)
	return count > 0, err
}

// UpsertMuteRule mutes a target; a nil until means forever.
func (s *Store) UpsertMuteRule(ctx context.Context, userID int64, targetType, targetID string, until *time.Time) error {
	defer s.observe("upsert_mute_rule", time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mute_rules (user_id, target_type, target_id, muted_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, target_type, target_id) DO UPDATE SET muted_until = $4`,
		userID, targetType, targetID, until)
	return err
}

// PurgeExpiredMuteRules drops rules whose window has passed.
func (s *Store) PurgeExpiredMuteRules(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mute_rules WHERE muted_until IS NOT NULL AND muted_until <= now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertNotification persists one notification row.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) error {
	defer s.observe("insert_notification", time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications
			(id, recipient_id, sender_id, type, title, body, data, source_type, source_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		n.ID, n.RecipientID, n.SenderID, n.Type, n.Title, n.Body, n.Data,
		n.SourceType, n.SourceID)
	return err
}

// StampNotificationResult records the vendor outcome on the row.
func (s *Store) StampNotificationResult(ctx context.Context, id uuid.UUID, sent bool, messageID, fcmErr string) error {
	defer s.observe("stamp_notification_result", time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET fcm_sent = $2,
			fcm_message_id = NULLIF($3, ''), fcm_error = NULLIF($4, '')
		WHERE id = $1`, id, sent, messageID, fcmErr)
	return err
}

// UnreadNotificationCount is the badge value for iOS payloads.
func (s *Store) UnreadNotificationCount(ctx context.Context, userID int64) (int, error) {
	defer s.observe("unread_notification_count", time.Now())
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*) FROM notifications WHERE recipient_id = $1 AND NOT read`, userID)
	return count, err
}

// NotificationsPage lists a user's notifications, newest first, keyed by a
// created_at cursor.
func (s *Store) NotificationsPage(ctx context.Context, userID int64, cursor *time.Time, limit int) ([]Notification, error) {
	defer s.observe("notifications_page", time.Now())
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var rows []Notification
	if cursor != nil {
		return rows, s.db.SelectContext(ctx, &rows, `
			SELECT * FROM notifications
			WHERE recipient_id = $1 AND created_at < $2
			ORDER BY created_at DESC LIMIT $3`, userID, *cursor, limit)
	}
	return rows, s.db.SelectContext(ctx, &rows, `
		SELECT * FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

// MarkNotificationsRead flags the given notifications as read.
func (s *Store) MarkNotificationsRead(ctx context.Context, userID int64, ids []uuid.UUID) error {
	defer s.observe("mark_notifications_read", time.Now())
	if len(ids) == 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE notifications SET read = TRUE WHERE recipient_id = $1`, userID)
		return err
	}
	query, args, err := sqlx.In(`
		UPDATE notifications SET read = TRUE
		WHERE recipient_id = ? AND id IN (?)`, userID, ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

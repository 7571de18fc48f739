package store

// schema is applied on startup; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	is_verified   BOOLEAN NOT NULL DEFAULT FALSE,
	lock_pin_hash TEXT,
	is_online     BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen     TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS email_codes (
	user_id    BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	code_hash  TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_blacklist (
	token_id   UUID PRIMARY KEY,
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id                   UUID PRIMARY KEY,
	type                 TEXT NOT NULL CHECK (type IN ('private','group','secret')),
	name                 TEXT,
	only_admins_can_send BOOLEAN NOT NULL DEFAULT FALSE,
	last_message_id      UUID,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS participants (
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role            TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('admin','member')),
	unread_count    INTEGER NOT NULL DEFAULT 0,
	muted_until     TIMESTAMPTZ,
	cleared_at      TIMESTAMPTZ,
	is_hidden       BOOLEAN NOT NULL DEFAULT FALSE,
	session_reset   BOOLEAN NOT NULL DEFAULT FALSE,
	is_locked       BOOLEAN NOT NULL DEFAULT FALSE,
	is_favorite     BOOLEAN NOT NULL DEFAULT FALSE,
	is_blocked      BOOLEAN NOT NULL DEFAULT FALSE,
	last_read_at    TIMESTAMPTZ,
	joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS participants_user_idx ON participants(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id              UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id       BIGINT NOT NULL REFERENCES users(id),
	type            TEXT NOT NULL,
	ciphertext      BYTEA NOT NULL DEFAULT ''::bytea,
	plaintext       TEXT,
	reply_to_id     UUID REFERENCES messages(id),
	forwarded_from  UUID,
	attachment_id   UUID,
	is_deleted      BOOLEAN NOT NULL DEFAULT FALSE,
	is_edited       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	edited_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS messages_conv_created_idx ON messages(conversation_id, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS message_recipients (
	message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	ciphertext BYTEA NOT NULL,
	PRIMARY KEY (message_id, user_id)
);

CREATE TABLE IF NOT EXISTS message_statuses (
	message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	status     TEXT NOT NULL CHECK (status IN ('sent','delivered','read')),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (message_id, user_id)
);

CREATE TABLE IF NOT EXISTS reactions (
	message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	emoji      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (message_id, user_id)
);

CREATE TABLE IF NOT EXISTS attachments (
	id                 UUID PRIMARY KEY,
	conversation_id    UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	uploaded_by        BIGINT NOT NULL REFERENCES users(id),
	message_id         UUID REFERENCES messages(id) ON DELETE SET NULL,
	file_key           TEXT NOT NULL,
	thumb_key          TEXT,
	encrypted_file_key TEXT NOT NULL,
	encrypted_metadata TEXT NOT NULL,
	file_hash          TEXT NOT NULL,
	size_bytes         BIGINT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS key_bundles (
	user_id                  BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	crypto_version           INTEGER NOT NULL CHECK (crypto_version IN (1,2)),
	identity_key             BYTEA NOT NULL,
	identity_dh_key          BYTEA NOT NULL,
	signed_prekey            BYTEA NOT NULL,
	signed_prekey_signature  BYTEA NOT NULL,
	signed_prekey_id         INTEGER NOT NULL,
	signed_prekey_created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS one_time_prekeys (
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	key_id     INTEGER NOT NULL,
	public_key BYTEA NOT NULL,
	is_used    BOOLEAN NOT NULL DEFAULT FALSE,
	used_by    BIGINT,
	used_at    TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, key_id)
);
CREATE INDEX IF NOT EXISTS prekeys_unused_idx ON one_time_prekeys(user_id) WHERE NOT is_used;

CREATE TABLE IF NOT EXISTS key_fetch_logs (
	id           BIGSERIAL PRIMARY KEY,
	requester_id BIGINT NOT NULL,
	target_id    BIGINT NOT NULL,
	ip           TEXT NOT NULL DEFAULT '',
	user_agent   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS key_fetch_logs_requester_idx ON key_fetch_logs(requester_id, created_at);

CREATE TABLE IF NOT EXISTS ratchet_sessions (
	owner_id   BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	peer_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	state      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner_id, peer_id)
);

CREATE TABLE IF NOT EXISTS device_tokens (
	user_id      BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	device_id    TEXT NOT NULL,
	token        TEXT NOT NULL,
	platform     TEXT NOT NULL CHECK (platform IN ('android','ios','web')),
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	last_used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id          BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	new_message      BOOLEAN NOT NULL DEFAULT TRUE,
	group_message    BOOLEAN NOT NULL DEFAULT TRUE,
	call             BOOLEAN NOT NULL DEFAULT TRUE,
	security_alert   BOOLEAN NOT NULL DEFAULT TRUE,
	channel_post     BOOLEAN NOT NULL DEFAULT TRUE,
	dnd_enabled      BOOLEAN NOT NULL DEFAULT FALSE,
	dnd_start        TEXT NOT NULL DEFAULT '22:00',
	dnd_end          TEXT NOT NULL DEFAULT '07:00',
	show_preview     BOOLEAN NOT NULL DEFAULT TRUE,
	sound_enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	vibration        BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS mute_rules (
	user_id     BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	target_type TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	muted_until TIMESTAMPTZ,
	PRIMARY KEY (user_id, target_type, target_id)
);

CREATE TABLE IF NOT EXISTS notifications (
	id             UUID PRIMARY KEY,
	recipient_id   BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	sender_id      BIGINT,
	type           TEXT NOT NULL,
	title          TEXT NOT NULL,
	body           TEXT NOT NULL,
	data           JSONB NOT NULL DEFAULT '{}'::jsonb,
	source_type    TEXT NOT NULL DEFAULT '',
	source_id      TEXT NOT NULL DEFAULT '',
	read           BOOLEAN NOT NULL DEFAULT FALSE,
	fcm_sent       BOOLEAN NOT NULL DEFAULT FALSE,
	fcm_message_id TEXT,
	fcm_error      TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS notifications_recipient_idx ON notifications(recipient_id, created_at DESC);

CREATE TABLE IF NOT EXISTS calls (
	id              UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	initiator_id    BIGINT NOT NULL REFERENCES users(id),
	type            TEXT NOT NULL CHECK (type IN ('audio','video')),
	status          TEXT NOT NULL CHECK (status IN ('ringing','ongoing','ended','rejected','busy','missed','failed')),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	ended_at        TIMESTAMPTZ,
	duration        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS call_participants (
	call_id       UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
	user_id       BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	joined_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	left_at       TIMESTAMPTZ,
	is_muted      BOOLEAN NOT NULL DEFAULT FALSE,
	video_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	speaker_on    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (call_id, user_id)
);

CREATE TABLE IF NOT EXISTS ice_servers (
	id         SERIAL PRIMARY KEY,
	urls       TEXT[] NOT NULL,
	username   TEXT,
	credential TEXT,
	active     BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS security_alerts (
	id         UUID PRIMARY KEY,
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	alert_type TEXT NOT NULL,
	severity   TEXT NOT NULL DEFAULT 'medium',
	metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
	ip         TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Conversation types.
const (
	ConvPrivate = "private"
	ConvGroup   = "group"
	ConvSecret  = "secret"
)

// Participant roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Message status lattice, strictly ordered sent < delivered < read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// statusRank orders the lattice for monotonic upserts.
func statusRank(status string) int {
	switch status {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

// Call statuses.
const (
	CallRinging  = "ringing"
	CallOngoing  = "ongoing"
	CallEnded    = "ended"
	CallRejected = "rejected"
	CallBusy     = "busy"
	CallMissed   = "missed"
	CallFailed   = "failed"
)

type User struct {
	ID           int64          `db:"id"`
	Email        string         `db:"email"`
	Username     string         `db:"username"`
	PasswordHash string         `db:"password_hash"`
	IsVerified   bool           `db:"is_verified"`
	LockPinHash  sql.NullString `db:"lock_pin_hash"`
	IsOnline     bool           `db:"is_online"`
	LastSeen     sql.NullTime   `db:"last_seen"`
	CreatedAt    time.Time      `db:"created_at"`
	DeletedAt    sql.NullTime   `db:"deleted_at"`
}

type Conversation struct {
	ID                uuid.UUID      `db:"id"`
	Type              string         `db:"type"`
	Name              sql.NullString `db:"name"`
	OnlyAdminsCanSend bool           `db:"only_admins_can_send"`
	LastMessageID     uuid.NullUUID  `db:"last_message_id"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

type Participant struct {
	ConversationID uuid.UUID    `db:"conversation_id"`
	UserID         int64        `db:"user_id"`
	Role           string       `db:"role"`
	UnreadCount    int          `db:"unread_count"`
	MutedUntil     sql.NullTime `db:"muted_until"`
	ClearedAt      sql.NullTime `db:"cleared_at"`
	IsHidden       bool         `db:"is_hidden"`
	SessionReset   bool         `db:"session_reset"`
	IsLocked       bool         `db:"is_locked"`
	IsFavorite     bool         `db:"is_favorite"`
	IsBlocked      bool         `db:"is_blocked"`
	LastReadAt     sql.NullTime `db:"last_read_at"`
	JoinedAt       time.Time    `db:"joined_at"`
}

type Message struct {
	ID             uuid.UUID      `db:"id"`
	ConversationID uuid.UUID      `db:"conversation_id"`
	SenderID       int64          `db:"sender_id"`
	Type           string         `db:"type"`
	Ciphertext     []byte         `db:"ciphertext"`
	Plaintext      sql.NullString `db:"plaintext"`
	ReplyToID      uuid.NullUUID  `db:"reply_to_id"`
	ForwardedFrom  uuid.NullUUID  `db:"forwarded_from"`
	AttachmentID   uuid.NullUUID  `db:"attachment_id"`
	IsDeleted      bool           `db:"is_deleted"`
	IsEdited       bool           `db:"is_edited"`
	CreatedAt      time.Time      `db:"created_at"`
	EditedAt       sql.NullTime   `db:"edited_at"`
}

type MessageStatus struct {
	MessageID uuid.UUID `db:"message_id"`
	UserID    int64     `db:"user_id"`
	Status    string    `db:"status"`
	UpdatedAt time.Time `db:"updated_at"`
}

type Attachment struct {
	ID               uuid.UUID      `db:"id"`
	ConversationID   uuid.UUID      `db:"conversation_id"`
	UploadedBy       int64          `db:"uploaded_by"`
	MessageID        uuid.NullUUID  `db:"message_id"`
	FileKey          string         `db:"file_key"`
	ThumbKey         sql.NullString `db:"thumb_key"`
	EncryptedFileKey string         `db:"encrypted_file_key"`
	EncryptedMeta    string         `db:"encrypted_metadata"`
	FileHash         string         `db:"file_hash"`
	SizeBytes        int64          `db:"size_bytes"`
	CreatedAt        time.Time      `db:"created_at"`
}

type KeyBundle struct {
	UserID                int64     `db:"user_id"`
	CryptoVersion         int       `db:"crypto_version"`
	IdentityKey           []byte    `db:"identity_key"`
	IdentityDHKey         []byte    `db:"identity_dh_key"`
	SignedPrekey          []byte    `db:"signed_prekey"`
	SignedPrekeySignature []byte    `db:"signed_prekey_signature"`
	SignedPrekeyID        int       `db:"signed_prekey_id"`
	SignedPrekeyCreatedAt time.Time `db:"signed_prekey_created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

type OneTimePrekey struct {
	UserID    int64         `db:"user_id"`
	KeyID     int           `db:"key_id"`
	PublicKey []byte        `db:"public_key"`
	IsUsed    bool          `db:"is_used"`
	UsedBy    sql.NullInt64 `db:"used_by"`
	UsedAt    sql.NullTime  `db:"used_at"`
	CreatedAt time.Time     `db:"created_at"`
}

type DeviceToken struct {
	UserID     int64     `db:"user_id"`
	DeviceID   string    `db:"device_id"`
	Token      string    `db:"token"`
	Platform   string    `db:"platform"`
	Active     bool      `db:"active"`
	LastUsedAt time.Time `db:"last_used_at"`
}

type NotificationPreference struct {
	UserID        int64  `db:"user_id"`
	NewMessage    bool   `db:"new_message"`
	GroupMessage  bool   `db:"group_message"`
	Call          bool   `db:"call"`
	SecurityAlert bool   `db:"security_alert"`
	ChannelPost   bool   `db:"channel_post"`
	DNDEnabled    bool   `db:"dnd_enabled"`
	DNDStart      string `db:"dnd_start"`
	DNDEnd        string `db:"dnd_end"`
	ShowPreview   bool   `db:"show_preview"`
	SoundEnabled  bool   `db:"sound_enabled"`
	Vibration     bool   `db:"vibration"`
}

// TypeEnabled reports the per-type toggle for a notification type. Unknown
// types default to enabled.
func (p *NotificationPreference) TypeEnabled(notifType string) bool {
	switch notifType {
	case "new_message":
		return p.NewMessage
	case "group_message":
		return p.GroupMessage
	case "call", "incoming_call", "missed_call":
		return p.Call
	case "security_alert":
		return p.SecurityAlert
	case "channel_post":
		return p.ChannelPost
	}
	return true
}

type Notification struct {
	ID           uuid.UUID       `db:"id"`
	RecipientID  int64           `db:"recipient_id"`
	SenderID     sql.NullInt64   `db:"sender_id"`
	Type         string          `db:"type"`
	Title        string          `db:"title"`
	Body         string          `db:"body"`
	Data         json.RawMessage `db:"data"`
	SourceType   string          `db:"source_type"`
	SourceID     string          `db:"source_id"`
	Read         bool            `db:"read"`
	FCMSent      bool            `db:"fcm_sent"`
	FCMMessageID sql.NullString  `db:"fcm_message_id"`
	FCMError     sql.NullString  `db:"fcm_error"`
	CreatedAt    time.Time       `db:"created_at"`
}

type Call struct {
	ID             uuid.UUID    `db:"id"`
	ConversationID uuid.UUID    `db:"conversation_id"`
	InitiatorID    int64        `db:"initiator_id"`
	Type           string       `db:"type"`
	Status         string       `db:"status"`
	CreatedAt      time.Time    `db:"created_at"`
	StartedAt      sql.NullTime `db:"started_at"`
	EndedAt        sql.NullTime `db:"ended_at"`
	Duration       int          `db:"duration"`
}

type ICEServer struct {
	ID         int            `db:"id"`
	URLs       pq.StringArray `db:"urls"`
	Username   sql.NullString `db:"username"`
	Credential sql.NullString `db:"credential"`
	Active     bool           `db:"active"`
}

type SecurityAlert struct {
	ID        uuid.UUID       `db:"id"`
	UserID    int64           `db:"user_id"`
	AlertType string          `db:"alert_type"`
	Severity  string          `db:"severity"`
	Metadata  json.RawMessage `db:"metadata"`
	IP        string          `db:"ip"`
	CreatedAt time.Time       `db:"created_at"`
}

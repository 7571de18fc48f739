package httpapi

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiona25/securechat-sub000/internal/store"
)

func TestConversationEntrySurfacesSessionReset(t *testing.T) {
	row := &store.ConversationListEntry{
		Conversation: store.Conversation{
			ID:        uuid.New(),
			Type:      store.ConvPrivate,
			UpdatedAt: time.Now(),
		},
		UnreadCount:  3,
		SessionReset: true,
	}

	entry := conversationEntry(row)
	assert.Equal(t, true, entry["session_reset"])
	assert.Equal(t, 3, entry["unread_count"])
	assert.NotContains(t, entry, "name")
	assert.NotContains(t, entry, "muted_until")

	row.SessionReset = false
	entry = conversationEntry(row)
	require.Contains(t, entry, "session_reset")
	assert.Equal(t, false, entry["session_reset"])
}

func TestConversationEntryOptionalFields(t *testing.T) {
	lastMsg := uuid.New()
	row := &store.ConversationListEntry{
		Conversation: store.Conversation{
			ID:            uuid.New(),
			Type:          store.ConvGroup,
			Name:          sql.NullString{String: "ops", Valid: true},
			LastMessageID: uuid.NullUUID{UUID: lastMsg, Valid: true},
			UpdatedAt:     time.Now(),
		},
		MutedUntil: sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true},
	}

	entry := conversationEntry(row)
	assert.Equal(t, "ops", entry["name"])
	assert.Equal(t, lastMsg.String(), entry["last_message_id"])
	assert.Contains(t, entry, "muted_until")
}

package pipeline

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiona25/securechat-sub000/internal/bus"
	"github.com/axiona25/securechat-sub000/internal/config"
	"github.com/axiona25/securechat-sub000/internal/metrics"
	"github.com/axiona25/securechat-sub000/internal/store"
)

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.New(config.BusConfig{QueueCapacity: 1000}, config.NATSConfig{}, nil, metrics.New(), zerolog.Nop())
	require.NoError(t, err)
	return b
}

func recvEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := sub.Next(ctx)
	require.True(t, ok, "expected an event")
	return ev
}

func TestSendValidation(t *testing.T) {
	p := &Pipeline{}
	ctx := context.Background()

	_, err := p.Send(ctx, SendInput{MessageType: "carrier_pigeon"})
	var verr *ErrValidation
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "message_type", verr.Field)

	_, err = p.Send(ctx, SendInput{MessageType: "text", ContentEncrypted: "not base64!!"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content_encrypted", verr.Field)
}

func TestUpdateStatusRejectsSent(t *testing.T) {
	p := &Pipeline{}
	err := p.UpdateStatus(context.Background(), uuid.New(), 1, store.StatusSent)
	var verr *ErrValidation
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Field)
}

func TestEditRejectsBadBase64(t *testing.T) {
	p := &Pipeline{}
	_, err := p.Edit(context.Background(), uuid.New(), 1, "%%%")
	var verr *ErrValidation
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content_encrypted", verr.Field)
}

// Group fan-out must hand every recipient their own envelope and nobody
// else's.
func TestPublishMessageEnvelopeIsolation(t *testing.T) {
	b := testBus(t)
	defer b.Close()
	p := &Pipeline{bus: b}

	subAlice := b.NewSubscription()
	require.NoError(t, b.Subscribe(bus.UserTopic(1), subAlice))
	subBob := b.NewSubscription()
	require.NoError(t, b.Subscribe(bus.UserTopic(2), subBob))

	msg := &store.Message{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		SenderID:       9,
		Type:           "text",
		CreatedAt:      time.Now(),
	}
	envelopes := map[int64][]byte{
		1: []byte("sealed-for-alice"),
		2: []byte("sealed-for-bob"),
	}
	in := SendInput{
		ConversationID:    msg.ConversationID,
		EncryptedFileKeys: map[int64]string{1: "alice-file-key"},
	}
	p.publishMessage(msg, in, envelopes)

	evAlice := recvEvent(t, subAlice)
	require.Equal(t, bus.EventChatMessage, evAlice.Type)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("sealed-for-alice")), evAlice.Data["content_encrypted"])
	assert.Equal(t, "alice-file-key", evAlice.Data["encrypted_file_key"])

	evBob := recvEvent(t, subBob)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("sealed-for-bob")), evBob.Data["content_encrypted"])
	assert.NotEqual(t, evAlice.Data["content_encrypted"], evBob.Data["content_encrypted"])
	_, leaked := evBob.Data["encrypted_file_key"]
	assert.False(t, leaked, "bob must not see alice's file key")

	// No envelope may ride the shared conversation topic on a group send.
	assert.Equal(t, 0, subAlice.Len())
	assert.Equal(t, 0, subBob.Len())
}

func TestPublishMessageSharedCiphertext(t *testing.T) {
	b := testBus(t)
	defer b.Close()
	p := &Pipeline{bus: b}

	convID := uuid.New()
	sub := b.NewSubscription()
	require.NoError(t, b.Subscribe(bus.ConvTopic(convID), sub))

	msg := &store.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       9,
		Type:           "text",
		CreatedAt:      time.Now(),
	}
	in := SendInput{
		ConversationID:   convID,
		ContentEncrypted: "c2hhcmVk",
		EncryptedFileKey: "shared-key",
	}
	p.publishMessage(msg, in, nil)

	ev := recvEvent(t, sub)
	require.Equal(t, bus.EventChatMessage, ev.Type)
	assert.Equal(t, "c2hhcmVk", ev.Data["content_encrypted"])
	assert.Equal(t, "shared-key", ev.Data["encrypted_file_key"])
}

func TestMessageDataShape(t *testing.T) {
	p := &Pipeline{}
	replyTo := uuid.New()
	msg := &store.Message{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		SenderID:       42,
		Type:           "text",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	msg.ReplyToID.UUID, msg.ReplyToID.Valid = replyTo, true

	data := p.messageData(msg, "aGVsbG8=")
	assert.Equal(t, msg.ID.String(), data["message_id"])
	assert.Equal(t, int64(42), data["sender_id"])
	assert.Equal(t, "aGVsbG8=", data["content_encrypted"])
	assert.Equal(t, replyTo.String(), data["reply_to_id"])
	assert.Equal(t, "2026-01-02T03:04:05Z", data["created_at"])
	_, hasAttachment := data["attachment_id"]
	assert.False(t, hasAttachment)
}

package push

import (
	"context"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"
)

// fcmBatchLimit is the vendor's cap on tokens per multicast call.
const fcmBatchLimit = 500

// FCMSender delivers pushes through Firebase Cloud Messaging.
type FCMSender struct {
	client    *messaging.Client
	voipTopic string
}

// NewFCMSender builds the vendor client from a service-account file.
func NewFCMSender(ctx context.Context, credentialsFile, voipTopic string) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("push: firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("push: messaging client: %w", err)
	}
	return &FCMSender{client: client, voipTopic: voipTopic}, nil
}

// Send multicasts the delivery to every token, batching at the vendor limit.
// Permanently rejected tokens come back in invalid; a transient failure on
// any batch is returned as err for the dispatcher's retry loop.
func (s *FCMSender) Send(ctx context.Context, d *Delivery, tokens []string, badge int) (string, []string, error) {
	var (
		messageID string
		invalid   []string
		lastErr   error
	)
	for _, batch := range chunkTokens(tokens, fcmBatchLimit) {
		msg := s.buildMessage(d, batch, badge)
		resp, err := s.client.SendMulticast(ctx, msg)
		if err != nil {
			lastErr = err
			continue
		}
		for i, r := range resp.Responses {
			if r.Success {
				if messageID == "" {
					messageID = r.MessageID
				}
				continue
			}
			if isTokenInvalid(r.Error) {
				invalid = append(invalid, batch[i])
			} else {
				lastErr = r.Error
			}
		}
	}
	return messageID, invalid, lastErr
}

func (s *FCMSender) buildMessage(d *Delivery, tokens []string, badge int) *messaging.MulticastMessage {
	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   d.Data,
	}

	isCall := strings.HasPrefix(d.Notification.Type, "call") ||
		d.Notification.Type == "incoming_call"

	androidPriority := "normal"
	apnsPriority := "5"
	ttl := 24 * time.Hour
	if d.HighPriority {
		androidPriority = "high"
		apnsPriority = "10"
		ttl = 30 * time.Second
	}

	channel := "messages"
	if isCall {
		channel = "calls"
	}
	sound := ""
	if d.Sound {
		sound = "default"
	}

	msg.Android = &messaging.AndroidConfig{
		Priority: androidPriority,
		TTL:      &ttl,
		Notification: &messaging.AndroidNotification{
			Title:     d.Title,
			Body:      d.Body,
			ChannelID: channel,
			Sound:     sound,
		},
	}

	if isCall && s.voipTopic != "" {
		// VoIP pushes are data-only on a dedicated APNs topic so the app can
		// raise CallKit without a visible banner.
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-topic":     s.voipTopic,
				"apns-push-type": "voip",
				"apns-priority":  "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{ContentAvailable: true},
			},
		}
		return msg
	}

	msg.Notification = &messaging.Notification{Title: d.Title, Body: d.Body}
	msg.APNS = &messaging.APNSConfig{
		Headers: map[string]string{"apns-priority": apnsPriority},
		Payload: &messaging.APNSPayload{
			Aps: &messaging.Aps{
				Badge: &badge,
				Sound: sound,
			},
		},
	}
	return msg
}

// isTokenInvalid classifies vendor responses that mean the token is dead and
// should be reaped rather than retried.
func isTokenInvalid(err error) bool {
	if err == nil {
		return false
	}
	if messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsInvalidArgument(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NOT_FOUND") ||
		strings.Contains(msg, "UNREGISTERED") ||
		strings.Contains(msg, "INVALID_ARGUMENT")
}

func chunkTokens(tokens []string, size int) [][]string {
	var chunks [][]string
	for len(tokens) > size {
		chunks = append(chunks, tokens[:size])
		tokens = tokens[size:]
	}
	if len(tokens) > 0 {
		chunks = append(chunks, tokens)
	}
	return chunks
}

// Package keysvc implements the X3DH key service: bundle upload and fetch,
// atomic one-time-prekey consumption, audit logging, safety numbers and the
// opaque ratchet-session blob store.
package keysvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/axiona25/securechat-sub000/internal/bus"
	"github.com/axiona25/securechat-sub000/internal/push"
	"github.com/axiona25/securechat-sub000/internal/store"
	"github.com/axiona25/securechat-sub000/pkg/e2ee"
)

const (
	// MaxReplenish bounds one replenish call.
	MaxReplenish = 200
	// MaxRatchetBlob bounds a stored ratchet-session blob.
	MaxRatchetBlob = 64 << 10

	fetchAlertThreshold = 50
	fetchAlertWindow    = time.Hour
	keyPrefixLen        = 8
)

// Service owns key-bundle state transitions and their security side effects.
type Service struct {
	store  *store.Store
	bus    *bus.Bus
	push   *push.Dispatcher
	logger zerolog.Logger
}

// New wires the key service.
func New(st *store.Store, b *bus.Bus, pd *push.Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		bus:    b,
		push:   pd,
		logger: logger.With().Str("component", "keysvc").Logger(),
	}
}

// Prekey is one one-time prekey as uploaded by a client.
type Prekey struct {
	KeyID     int
	PublicKey []byte
}

// UploadInput is a full bundle upload.
type UploadInput struct {
	CryptoVersion         int
	IdentityKey           []byte
	IdentityDHKey         []byte
	SignedPrekey          []byte
	SignedPrekeySignature []byte
	SignedPrekeyID        int
	SignedPrekeyCreatedAt time.Time
	OneTimePrekeys        []Prekey
}

// Upload validates and stores a key bundle. An identity key that differs
// from the previously stored one raises an identity_change security alert.
func (s *Service) Upload(ctx context.Context, userID int64, in UploadInput, clientIP string) error {
	v := e2ee.Version(in.CryptoVersion)
	if !v.Valid() {
		return fmt.Errorf("%w: %d", e2ee.ErrUnknownVersion, in.CryptoVersion)
	}
	if len(in.IdentityKey) != v.SigningKeySize() {
		return fmt.Errorf("%w: identity_key", e2ee.ErrBadKeyLength)
	}
	if len(in.IdentityDHKey) != v.DHKeySize() {
		return fmt.Errorf("%w: identity_dh_key", e2ee.ErrBadKeyLength)
	}
	if len(in.SignedPrekey) != v.DHKeySize() {
		return fmt.Errorf("%w: signed_prekey", e2ee.ErrBadKeyLength)
	}
	if len(in.SignedPrekeySignature) != v.SignatureSize() {
		return fmt.Errorf("%w: signed_prekey_signature", e2ee.ErrBadKeyLength)
	}
	if !e2ee.Verify(v, in.IdentityKey, in.SignedPrekey, in.SignedPrekeySignature) {
		return e2ee.ErrBadSignature
	}

	created := in.SignedPrekeyCreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	prekeys := make([]store.OneTimePrekey, 0, len(in.OneTimePrekeys))
	for _, pk := range in.OneTimePrekeys {
		if len(pk.PublicKey) != v.DHKeySize() || pk.KeyID < 0 {
			s.logger.Debug().Int64("user", userID).Int("key_id", pk.KeyID).Msg("discarding malformed prekey")
			continue
		}
		prekeys = append(prekeys, store.OneTimePrekey{UserID: userID, KeyID: pk.KeyID, PublicKey: pk.PublicKey})
	}

	previous, err := s.store.UpsertKeyBundle(ctx, &store.KeyBundle{
		UserID:                userID,
		CryptoVersion:         in.CryptoVersion,
		IdentityKey:           in.IdentityKey,
		IdentityDHKey:         in.IdentityDHKey,
		SignedPrekey:          in.SignedPrekey,
		SignedPrekeySignature: in.SignedPrekeySignature,
		SignedPrekeyID:        in.SignedPrekeyID,
		SignedPrekeyCreatedAt: created,
	}, prekeys)
	if err != nil {
		return err
	}

	if len(previous) > 0 && !bytes.Equal(previous, in.IdentityKey) {
		s.raiseAlert(ctx, userID, "identity_change", "high", map[string]any{
			"old_identity_key_prefix": keyPrefix(previous),
			"new_identity_key_prefix": keyPrefix(in.IdentityKey),
		}, clientIP)
	}
	return nil
}

// Replenish appends fresh one-time prekeys, at most MaxReplenish per call.
func (s *Service) Replenish(ctx context.Context, userID int64, prekeys []Prekey) (int, error) {
	if len(prekeys) == 0 {
		return 0, fmt.Errorf("%w: empty prekey list", e2ee.ErrBadKeyLength)
	}
	if len(prekeys) > MaxReplenish {
		return 0, fmt.Errorf("keysvc: at most %d prekeys per replenish", MaxReplenish)
	}
	bundle, err := s.store.KeyBundleByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	v := e2ee.Version(bundle.CryptoVersion)

	rows := make([]store.OneTimePrekey, 0, len(prekeys))
	for _, pk := range prekeys {
		if len(pk.PublicKey) != v.DHKeySize() || pk.KeyID < 0 {
			continue
		}
		rows = append(rows, store.OneTimePrekey{UserID: userID, KeyID: pk.KeyID, PublicKey: pk.PublicKey})
	}
	if err := s.store.InsertPrekeys(ctx, userID, rows); err != nil {
		return 0, err
	}
	return s.store.UnusedPrekeyCount(ctx, userID)
}

// RotateSigned replaces the signed prekey after verifying the new signature
// against the stored identity key.
func (s *Service) RotateSigned(ctx context.Context, userID int64, prekey, signature []byte, keyID int) error {
	bundle, err := s.store.KeyBundleByUser(ctx, userID)
	if err != nil {
		return err
	}
	v := e2ee.Version(bundle.CryptoVersion)
	if len(prekey) != v.DHKeySize() {
		return fmt.Errorf("%w: signed_prekey", e2ee.ErrBadKeyLength)
	}
	if len(signature) != v.SignatureSize() {
		return fmt.Errorf("%w: signed_prekey_signature", e2ee.ErrBadKeyLength)
	}
	if !e2ee.Verify(v, bundle.IdentityKey, prekey, signature) {
		return e2ee.ErrBadSignature
	}
	return s.store.RotateSignedPrekey(ctx, userID, prekey, signature, keyID)
}

// FetchResult is the bundle handed to an X3DH initiator.
type FetchResult struct {
	CryptoVersion         int
	IdentityKey           []byte
	IdentityDHKey         []byte
	SignedPrekey          []byte
	SignedPrekeySignature []byte
	SignedPrekeyID        int
	SignedPrekeyCreatedAt time.Time
	OneTimePrekey         *store.OneTimePrekey
	PrekeysRemaining      int
}

// Fetch returns the target's bundle, consuming one one-time prekey
// atomically. Self-fetch is forbidden; every fetch is audit-logged.
func (s *Service) Fetch(ctx context.Context, requesterID, targetID int64, ip, userAgent string) (*FetchResult, error) {
	if requesterID == targetID {
		return nil, store.ErrForbidden
	}
	bundle, err := s.store.KeyBundleByUser(ctx, targetID)
	if err != nil {
		return nil, err
	}

	if err := s.store.LogKeyFetch(ctx, requesterID, targetID, ip, userAgent); err != nil {
		s.logger.Warn().Err(err).Msg("key fetch audit write failed")
	}
	count, err := s.store.KeyFetchesSince(ctx, requesterID, time.Now().Add(-fetchAlertWindow))
	if err == nil && count > fetchAlertThreshold {
		s.raiseAlert(ctx, requesterID, "excessive_fetch", "medium", map[string]any{
			"fetches_last_hour": count,
			"last_target_id":    targetID,
		}, ip)
	}

	prekey, err := s.store.ConsumePrekey(ctx, targetID, requesterID)
	if err != nil {
		return nil, err
	}
	remaining, err := s.store.UnusedPrekeyCount(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		s.raiseAlert(ctx, targetID, "prekey_exhaustion", "low", map[string]any{
			"requester_id": requesterID,
		}, ip)
	}

	return &FetchResult{
		CryptoVersion:         bundle.CryptoVersion,
		IdentityKey:           bundle.IdentityKey,
		IdentityDHKey:         bundle.IdentityDHKey,
		SignedPrekey:          bundle.SignedPrekey,
		SignedPrekeySignature: bundle.SignedPrekeySignature,
		SignedPrekeyID:        bundle.SignedPrekeyID,
		SignedPrekeyCreatedAt: bundle.SignedPrekeyCreatedAt,
		OneTimePrekey:         prekey,
		PrekeysRemaining:      remaining,
	}, nil
}

// SafetyNumber computes the symmetric fingerprint between two users.
type SafetyNumberResult struct {
	Raw       string
	Formatted string
	QR        string
}

func (s *Service) SafetyNumber(ctx context.Context, userID, peerID int64) (*SafetyNumberResult, error) {
	own, err := s.store.KeyBundleByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	peer, err := s.store.KeyBundleByUser(ctx, peerID)
	if err != nil {
		return nil, err
	}
	raw := e2ee.SafetyNumber(own.IdentityKey, peer.IdentityKey)
	return &SafetyNumberResult{
		Raw:       raw,
		Formatted: e2ee.FormatSafetyNumber(raw),
		QR:        e2ee.SafetyNumberQR(own.IdentityKey, peer.IdentityKey),
	}, nil
}

// SaveRatchet stores the caller's opaque ratchet blob for a peer.
func (s *Service) SaveRatchet(ctx context.Context, ownerID, peerID int64, state []byte) error {
	if len(state) == 0 || len(state) > MaxRatchetBlob {
		return fmt.Errorf("keysvc: ratchet blob must be 1..%d bytes", MaxRatchetBlob)
	}
	return s.store.SaveRatchetSession(ctx, ownerID, peerID, state)
}

// Ratchet returns the caller's stored blob for a peer.
func (s *Service) Ratchet(ctx context.Context, ownerID, peerID int64) ([]byte, error) {
	return s.store.RatchetSession(ctx, ownerID, peerID)
}

// raiseAlert persists a security alert and fans it out to the affected
// user's personal topic plus a high-priority push.
func (s *Service) raiseAlert(ctx context.Context, userID int64, alertType, severity string, metadata map[string]any, ip string) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		raw = []byte("{}")
	}
	alert := &store.SecurityAlert{
		ID:        uuid.New(),
		UserID:    userID,
		AlertType: alertType,
		Severity:  severity,
		Metadata:  raw,
		IP:        ip,
	}
	if err := s.store.InsertSecurityAlert(ctx, alert); err != nil {
		s.logger.Error().Err(err).Str("type", alertType).Msg("alert persist failed")
		return
	}
	s.bus.Publish(bus.UserTopic(userID), bus.Event{
		Type: bus.EventSecurityAlert,
		Data: map[string]any{
			"alert_id": alert.ID.String(),
			"type":     alertType,
			"severity": severity,
			"metadata": metadata,
		},
	})
	if err := s.push.Send(ctx, push.Request{
		RecipientID:  userID,
		Type:         "security_alert",
		Title:        "Security alert",
		Body:         "A security event occurred on your account",
		Data:         map[string]string{"alert_type": alertType, "severity": severity},
		SourceType:   "security_alert",
		SourceID:     alert.ID.String(),
		HighPriority: true,
	}); err != nil {
		s.logger.Warn().Err(err).Str("type", alertType).Msg("alert push failed")
	}
}

// keyPrefix renders the first bytes of a public key for alert metadata.
func keyPrefix(key []byte) string {
	if len(key) > keyPrefixLen {
		key = key[:keyPrefixLen]
	}
	return base64.StdEncoding.EncodeToString(key)
}

package keysvc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiona25/securechat-sub000/pkg/e2ee"
)

func TestUploadRejectsUnknownVersion(t *testing.T) {
	s := &Service{}
	err := s.Upload(context.Background(), 1, UploadInput{CryptoVersion: 9}, "10.0.0.1")
	assert.ErrorIs(t, err, e2ee.ErrUnknownVersion)
}

func TestUploadRejectsWrongKeyLengths(t *testing.T) {
	s := &Service{}
	signing, err := e2ee.GenerateSigning(e2ee.V2)
	require.NoError(t, err)
	dh, err := e2ee.GenerateDH(e2ee.V2)
	require.NoError(t, err)

	base := UploadInput{
		CryptoVersion: 2,
		IdentityKey:   signing.Public,
		IdentityDHKey: dh.Public,
		SignedPrekey:  dh.Public,
	}

	short := base
	short.IdentityKey = signing.Public[:16]
	err = s.Upload(context.Background(), 1, short, "")
	assert.ErrorIs(t, err, e2ee.ErrBadKeyLength)
	assert.Contains(t, err.Error(), "identity_key")

	badSig := base
	badSig.SignedPrekeySignature = make([]byte, e2ee.SignatureSizeV2)
	err = s.Upload(context.Background(), 1, badSig, "")
	assert.ErrorIs(t, err, e2ee.ErrBadSignature)
}

func TestUploadRejectsForgedSignature(t *testing.T) {
	s := &Service{}
	signing, err := e2ee.GenerateSigning(e2ee.V2)
	require.NoError(t, err)
	dh, err := e2ee.GenerateDH(e2ee.V2)
	require.NoError(t, err)

	sig, err := e2ee.Sign(e2ee.V2, signing.Private, dh.Public)
	require.NoError(t, err)
	sig[0] ^= 0xff

	err = s.Upload(context.Background(), 1, UploadInput{
		CryptoVersion:         2,
		IdentityKey:           signing.Public,
		IdentityDHKey:         dh.Public,
		SignedPrekey:          dh.Public,
		SignedPrekeySignature: sig,
	}, "")
	assert.ErrorIs(t, err, e2ee.ErrBadSignature)
}

func TestReplenishBounds(t *testing.T) {
	s := &Service{}
	ctx := context.Background()

	_, err := s.Replenish(ctx, 1, nil)
	require.Error(t, err)

	over := make([]Prekey, MaxReplenish+1)
	_, err = s.Replenish(ctx, 1, over)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "200")
}

func TestSaveRatchetBounds(t *testing.T) {
	s := &Service{}
	ctx := context.Background()

	require.Error(t, s.SaveRatchet(ctx, 1, 2, nil))
	require.Error(t, s.SaveRatchet(ctx, 1, 2, make([]byte, MaxRatchetBlob+1)))
}

func TestKeyPrefix(t *testing.T) {
	long := make([]byte, 57)
	for i := range long {
		long[i] = byte(i)
	}
	assert.Equal(t, keyPrefix(long[:keyPrefixLen]), keyPrefix(long))
	assert.NotEmpty(t, keyPrefix([]byte{1, 2}))
}

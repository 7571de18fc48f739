package e2ee

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := randomKey(t)
	aad := []byte("conversation:42")
	plaintext := []byte("the quick brown fox")

	box, err := Seal(key, plaintext, aad)
	require.NoError(t, err)

	got, err := Open(key, box, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := randomKey(t)
	aad := []byte("aad")
	box, err := Seal(key, []byte("payload"), aad)
	require.NoError(t, err)

	for i := 0; i < len(box); i += 7 {
		tampered := append([]byte(nil), box...)
		tampered[i] ^= 0x01
		_, err := Open(key, tampered, aad)
		require.ErrorIs(t, err, ErrDecrypt, "flipped bit at offset %d must fail", i)
	}
}

func TestOpenRejectsWrongKeyAndAAD(t *testing.T) {
	key := randomKey(t)
	box, err := Seal(key, []byte("payload"), []byte("aad"))
	require.NoError(t, err)

	wrongKey := append([]byte(nil), key...)
	wrongKey[0] ^= 0x01
	_, err = Open(wrongKey, box, []byte("aad"))
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = Open(key, box, []byte("other aad"))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenRejectsShortCiphertext(t *testing.T) {
	_, err := Open(randomKey(t), []byte("short"), nil)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestSealUsesFreshNonces(t *testing.T) {
	key := randomKey(t)
	a, err := Seal(key, []byte("same"), nil)
	require.NoError(t, err)
	b, err := Seal(key, []byte("same"), nil)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

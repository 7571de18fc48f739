package e2ee

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned for any AEAD open failure: wrong key, flipped bit,
// truncated ciphertext or mismatched associated data.
var ErrDecrypt = errors.New("e2ee: aead decryption failed")

// KeySize is the symmetric key size of the message layer.
const KeySize = chacha20poly1305.KeySize

// Seal encrypts plaintext with XChaCha20-Poly1305 under key, binding aad.
// The 24-byte random nonce is prepended to the returned ciphertext.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. It never reports why decryption failed.
func Open(key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, ErrDecrypt
	}
	nonce, box := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, box, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

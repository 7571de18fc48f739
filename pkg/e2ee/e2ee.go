// Package e2ee implements the client-side cryptographic protocol of the
// messaging system: X3DH key agreement, the Double Ratchet, the symmetric
// AEAD layer and safety-number fingerprints.
//
// The server never runs this code against user plaintext; it lives here so
// that the key service can validate public material, so that reference
// clients and tests can exercise full round trips, and so the wire formats
// have a single owner.
package e2ee

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/dh/x448"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/curve25519"
)

// Version selects the cryptographic suite.
type Version int

const (
	// V1 is the X448/Ed448 suite.
	V1 Version = 1
	// V2 is the X25519/Ed25519 suite.
	V2 Version = 2
)

// Key sizes per suite, as fixed by the wire protocol.
const (
	SigningKeySizeV1 = ed448.PublicKeySize // 57
	DHKeySizeV1      = x448.Size           // 56
	SignatureSizeV1  = ed448.SignatureSize // 114
	SigningKeySizeV2 = ed25519.PublicKeySize
	DHKeySizeV2      = curve25519.PointSize
	SignatureSizeV2  = ed25519.SignatureSize
)

var (
	ErrUnknownVersion = errors.New("e2ee: unknown crypto version")
	ErrBadKeyLength   = errors.New("e2ee: wrong key length")
	ErrBadSignature   = errors.New("e2ee: signature verification failed")
	ErrBadDH          = errors.New("e2ee: diffie-hellman failed")
)

// Valid reports whether v names a supported suite.
func (v Version) Valid() bool {
	return v == V1 || v == V2
}

// SigningKeySize returns the public signing key length for the suite.
func (v Version) SigningKeySize() int {
	if v == V1 {
		return SigningKeySizeV1
	}
	return SigningKeySizeV2
}

// DHKeySize returns the public DH key length for the suite.
func (v Version) DHKeySize() int {
	if v == V1 {
		return DHKeySizeV1
	}
	return DHKeySizeV2
}

// SignatureSize returns the signature length for the suite.
func (v Version) SignatureSize() int {
	if v == V1 {
		return SignatureSizeV1
	}
	return SignatureSizeV2
}

// DHKeyPair is a Diffie-Hellman key pair in the suite's encoding.
type DHKeyPair struct {
	Public  []byte
	Private []byte
}

// SigningKeyPair is a signing key pair in the suite's encoding.
type SigningKeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateDH creates a fresh DH key pair for the suite.
func GenerateDH(v Version) (DHKeyPair, error) {
	switch v {
	case V1:
		var pub, priv x448.Key
		if _, err := rand.Read(priv[:]); err != nil {
			return DHKeyPair{}, err
		}
		x448.KeyGen(&pub, &priv)
		return DHKeyPair{Public: append([]byte(nil), pub[:]...), Private: append([]byte(nil), priv[:]...)}, nil
	case V2:
		priv := make([]byte, curve25519.ScalarSize)
		if _, err := rand.Read(priv); err != nil {
			return DHKeyPair{}, err
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return DHKeyPair{}, err
		}
		return DHKeyPair{Public: pub, Private: priv}, nil
	default:
		return DHKeyPair{}, ErrUnknownVersion
	}
}

// GenerateSigning creates a fresh signing key pair for the suite.
func GenerateSigning(v Version) (SigningKeyPair, error) {
	switch v {
	case V1:
		pub, priv, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			return SigningKeyPair{}, err
		}
		return SigningKeyPair{Public: []byte(pub), Private: []byte(priv)}, nil
	case V2:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SigningKeyPair{}, err
		}
		return SigningKeyPair{Public: []byte(pub), Private: []byte(priv)}, nil
	default:
		return SigningKeyPair{}, ErrUnknownVersion
	}
}

// Sign signs msg under the suite's signature scheme.
func Sign(v Version, priv, msg []byte) ([]byte, error) {
	switch v {
	case V1:
		if len(priv) != ed448.PrivateKeySize {
			return nil, ErrBadKeyLength
		}
		return ed448.Sign(ed448.PrivateKey(priv), msg, ""), nil
	case V2:
		if len(priv) != ed25519.PrivateKeySize {
			return nil, ErrBadKeyLength
		}
		return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
	default:
		return nil, ErrUnknownVersion
	}
}

// Verify checks sig over msg under pub for the suite.
func Verify(v Version, pub, msg, sig []byte) bool {
	switch v {
	case V1:
		if len(pub) != ed448.PublicKeySize || len(sig) != ed448.SignatureSize {
			return false
		}
		return ed448.Verify(ed448.PublicKey(pub), msg, sig, "")
	case V2:
		if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
	default:
		return false
	}
}

// dh computes the raw shared secret between priv and pub.
func dh(v Version, priv, pub []byte) ([]byte, error) {
	switch v {
	case V1:
		if len(priv) != x448.Size || len(pub) != x448.Size {
			return nil, ErrBadKeyLength
		}
		var s, p, ss x448.Key
		copy(s[:], priv)
		copy(p[:], pub)
		if ok := x448.Shared(&ss, &s, &p); !ok {
			return nil, ErrBadDH
		}
		return append([]byte(nil), ss[:]...), nil
	case V2:
		out, err := curve25519.X25519(priv, pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDH, err)
		}
		return out, nil
	default:
		return nil, ErrUnknownVersion
	}
}

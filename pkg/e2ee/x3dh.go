package e2ee

import (
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"
)

// X3DHDomain is the HKDF domain-separation string shared by both suites.
const X3DHDomain = "SCP_X3DH_SharedSecret_v1"

// SharedSecretSize is the X3DH output length, sized for the AEAD layer.
const SharedSecretSize = KeySize

// PrekeyBundle is the public material a party publishes for X3DH.
type PrekeyBundle struct {
	Version       Version
	IdentityDH    []byte // long-term DH identity public key
	SignedPrekey  []byte
	OneTimePrekey []byte // nil when the pool is exhausted
}

// X3DHResult is what the initiating party derives.
type X3DHResult struct {
	SharedSecret []byte
	EphemeralPub []byte // sent alongside the first message
}

// InitiateX3DH runs the sender side of the handshake against the remote
// bundle: three DH operations, four when a one-time prekey is present.
func InitiateX3DH(identity DHKeyPair, bundle PrekeyBundle) (*X3DHResult, error) {
	v := bundle.Version
	if !v.Valid() {
		return nil, ErrUnknownVersion
	}
	eph, err := GenerateDH(v)
	if err != nil {
		return nil, err
	}

	dh1, err := dh(v, identity.Private, bundle.SignedPrekey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(v, eph.Private, bundle.IdentityDH)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(v, eph.Private, bundle.SignedPrekey)
	if err != nil {
		return nil, err
	}
	material := concat(dhPad(v), dh1, dh2, dh3)
	if bundle.OneTimePrekey != nil {
		dh4, err := dh(v, eph.Private, bundle.OneTimePrekey)
		if err != nil {
			return nil, err
		}
		material = append(material, dh4...)
	}

	secret, err := kdfX3DH(material)
	if err != nil {
		return nil, err
	}
	return &X3DHResult{SharedSecret: secret, EphemeralPub: eph.Public}, nil
}

// RespondX3DH runs the receiver side. oneTime must be the pair whose public
// half the initiator consumed, or the zero value when none was available.
func RespondX3DH(v Version, identity, signedPrekey, oneTime DHKeyPair, remoteIdentityDH, remoteEphemeral []byte) ([]byte, error) {
	if !v.Valid() {
		return nil, ErrUnknownVersion
	}
	dh1, err := dh(v, signedPrekey.Private, remoteIdentityDH)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(v, identity.Private, remoteEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(v, signedPrekey.Private, remoteEphemeral)
	if err != nil {
		return nil, err
	}
	material := concat(dhPad(v), dh1, dh2, dh3)
	if oneTime.Private != nil {
		dh4, err := dh(v, oneTime.Private, remoteEphemeral)
		if err != nil {
			return nil, err
		}
		material = append(material, dh4...)
	}
	return kdfX3DH(material)
}

// dhPad is the all-0xFF prefix mandated for curve-based X3DH inputs, sized
// to one DH output of the suite.
func dhPad(v Version) []byte {
	pad := make([]byte, v.DHKeySize())
	for i := range pad {
		pad[i] = 0xFF
	}
	return pad
}

func kdfX3DH(material []byte) ([]byte, error) {
	salt := make([]byte, sha512.Size)
	out := make([]byte, SharedSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha512.New, material, salt, []byte(X3DHDomain)), out); err != nil {
		return nil, err
	}
	return out, nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

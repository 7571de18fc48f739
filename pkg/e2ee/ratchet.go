package e2ee

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// MaxSkip bounds how many message keys a receiving chain may skip and
	// retain; exceeding it aborts decryption.
	MaxSkip = 1000

	ratchetRootInfo = "SCP_Ratchet_RootChain"

	chainKeyByte   = 0x01
	messageKeyByte = 0x02
)

var (
	// ErrTooManySkipped is returned when a decryption would require skipping
	// more than MaxSkip message keys on one chain.
	ErrTooManySkipped = errors.New("e2ee: too many skipped message keys")
	// ErrStaleRatchet is returned when a message references a chain whose
	// keys were already consumed and not retained.
	ErrStaleRatchet = errors.New("e2ee: message key no longer available")
)

// RatchetMessage is one Double Ratchet ciphertext plus its header.
type RatchetMessage struct {
	DHPublic   []byte `json:"dh"`
	PN         uint32 `json:"pn"` // length of the previous sending chain
	N          uint32 `json:"n"`  // message number in the current chain
	Ciphertext []byte `json:"ct"`
}

type skippedKeyID struct {
	DH string
	N  uint32
}

// Ratchet holds one party's Double Ratchet state for a single peer.
// Serialized state is opaque to the server; only clients own its schema.
type Ratchet struct {
	version Version

	rootKey []byte
	dhSelf  DHKeyPair
	dhPeer  []byte

	sendChain []byte
	recvChain []byte
	ns, nr    uint32
	pn        uint32

	skipped map[skippedKeyID][]byte
}

// NewRatchetInitiator builds the sender-side ratchet from an X3DH shared
// secret and the peer's signed prekey, performing the first DH step.
func NewRatchetInitiator(v Version, sharedSecret, peerSignedPrekey []byte) (*Ratchet, error) {
	if !v.Valid() {
		return nil, ErrUnknownVersion
	}
	dhs, err := GenerateDH(v)
	if err != nil {
		return nil, err
	}
	r := &Ratchet{
		version: v,
		rootKey: append([]byte(nil), sharedSecret...),
		dhSelf:  dhs,
		dhPeer:  append([]byte(nil), peerSignedPrekey...),
		skipped: make(map[skippedKeyID][]byte),
	}
	out, err := dh(v, r.dhSelf.Private, r.dhPeer)
	if err != nil {
		return nil, err
	}
	r.rootKey, r.sendChain = kdfRoot(r.rootKey, out)
	return r, nil
}

// NewRatchetResponder builds the receiver-side ratchet. signedPrekey must be
// the pair whose public half the initiator ratcheted against.
func NewRatchetResponder(v Version, sharedSecret []byte, signedPrekey DHKeyPair) (*Ratchet, error) {
	if !v.Valid() {
		return nil, ErrUnknownVersion
	}
	return &Ratchet{
		version: v,
		rootKey: append([]byte(nil), sharedSecret...),
		dhSelf:  signedPrekey,
		skipped: make(map[skippedKeyID][]byte),
	}, nil
}

// Encrypt advances the sending chain one step and seals plaintext.
// aad is bound in addition to the ratchet header.
func (r *Ratchet) Encrypt(plaintext, aad []byte) (*RatchetMessage, error) {
	if r.sendChain == nil {
		return nil, errors.New("e2ee: sending chain not initialised")
	}
	var mk []byte
	r.sendChain, mk = kdfChain(r.sendChain)

	msg := &RatchetMessage{
		DHPublic: append([]byte(nil), r.dhSelf.Public...),
		PN:       r.pn,
		N:        r.ns,
	}
	ct, err := Seal(mk, plaintext, headerAAD(msg, aad))
	if err != nil {
		return nil, err
	}
	msg.Ciphertext = ct
	r.ns++
	return msg, nil
}

// Decrypt opens a message, handling out-of-order delivery within MaxSkip and
// performing a DH ratchet step when the header carries a new public key.
func (r *Ratchet) Decrypt(msg *RatchetMessage, aad []byte) ([]byte, error) {
	if mk, ok := r.skipped[skippedKeyID{DH: string(msg.DHPublic), N: msg.N}]; ok {
		delete(r.skipped, skippedKeyID{DH: string(msg.DHPublic), N: msg.N})
		return Open(mk, msg.Ciphertext, headerAAD(msg, aad))
	}

	if !bytesEqual(msg.DHPublic, r.dhPeer) {
		if err := r.skipRecvKeys(msg.PN); err != nil {
			return nil, err
		}
		if err := r.dhStep(msg.DHPublic); err != nil {
			return nil, err
		}
	}
	if err := r.skipRecvKeys(msg.N); err != nil {
		return nil, err
	}
	if msg.N < r.nr {
		return nil, ErrStaleRatchet
	}

	var mk []byte
	r.recvChain, mk = kdfChain(r.recvChain)
	r.nr++
	return Open(mk, msg.Ciphertext, headerAAD(msg, aad))
}

// dhStep rotates both chains around a freshly observed peer key.
func (r *Ratchet) dhStep(peerPub []byte) error {
	r.pn = r.ns
	r.ns = 0
	r.nr = 0
	r.dhPeer = append([]byte(nil), peerPub...)

	out, err := dh(r.version, r.dhSelf.Private, r.dhPeer)
	if err != nil {
		return err
	}
	r.rootKey, r.recvChain = kdfRoot(r.rootKey, out)

	dhs, err := GenerateDH(r.version)
	if err != nil {
		return err
	}
	r.dhSelf = dhs
	out, err = dh(r.version, r.dhSelf.Private, r.dhPeer)
	if err != nil {
		return err
	}
	r.rootKey, r.sendChain = kdfRoot(r.rootKey, out)
	return nil
}

// skipRecvKeys derives and retains message keys up to (not including) until.
func (r *Ratchet) skipRecvKeys(until uint32) error {
	if r.recvChain == nil {
		return nil
	}
	if until > r.nr && until-r.nr > MaxSkip {
		return ErrTooManySkipped
	}
	for r.nr < until {
		if len(r.skipped) >= MaxSkip {
			return ErrTooManySkipped
		}
		var mk []byte
		r.recvChain, mk = kdfChain(r.recvChain)
		r.skipped[skippedKeyID{DH: string(r.dhPeer), N: r.nr}] = mk
		r.nr++
	}
	return nil
}

// kdfRoot is the HKDF root-chain KDF: (rootKey, dhOut) -> (rootKey', chainKey).
func kdfRoot(rootKey, dhOut []byte) ([]byte, []byte) {
	out := make([]byte, 64)
	kdf := hkdf.New(sha512.New, dhOut, rootKey, []byte(ratchetRootInfo))
	if _, err := io.ReadFull(kdf, out); err != nil {
		// HKDF cannot fail for 64 bytes of output.
		panic(fmt.Sprintf("e2ee: hkdf: %v", err))
	}
	return out[:32], out[32:]
}

// kdfChain is the HMAC-SHA-512 chain KDF: chainKey -> (chainKey', messageKey).
func kdfChain(chainKey []byte) ([]byte, []byte) {
	return hmacByte(chainKey, chainKeyByte), hmacByte(chainKey, messageKeyByte)
}

func hmacByte(key []byte, b byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte{b})
	return mac.Sum(nil)[:32]
}

func headerAAD(msg *RatchetMessage, aad []byte) []byte {
	header := make([]byte, 0, len(msg.DHPublic)+8+len(aad))
	header = append(header, msg.DHPublic...)
	header = binary.BigEndian.AppendUint32(header, msg.PN)
	header = binary.BigEndian.AppendUint32(header, msg.N)
	return append(header, aad...)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ratchetState is the JSON serialization schema of a Ratchet. The server
// stores these bytes without ever parsing them.
type ratchetState struct {
	Version   Version           `json:"v"`
	RootKey   []byte            `json:"rk"`
	DHSelfPub []byte            `json:"dhs_pub"`
	DHSelfPrv []byte            `json:"dhs_prv"`
	DHPeer    []byte            `json:"dhr"`
	SendChain []byte            `json:"cks"`
	RecvChain []byte            `json:"ckr"`
	NS        uint32            `json:"ns"`
	NR        uint32            `json:"nr"`
	PN        uint32            `json:"pn"`
	Skipped   map[string][]byte `json:"skipped"`
}

// Marshal serializes the ratchet for storage in an opaque session blob.
func (r *Ratchet) Marshal() ([]byte, error) {
	st := ratchetState{
		Version:   r.version,
		RootKey:   r.rootKey,
		DHSelfPub: r.dhSelf.Public,
		DHSelfPrv: r.dhSelf.Private,
		DHPeer:    r.dhPeer,
		SendChain: r.sendChain,
		RecvChain: r.recvChain,
		NS:        r.ns,
		NR:        r.nr,
		PN:        r.pn,
		Skipped:   make(map[string][]byte, len(r.skipped)),
	}
	for id, mk := range r.skipped {
		st.Skipped[hex.EncodeToString([]byte(id.DH))+":"+strconv.FormatUint(uint64(id.N), 10)] = mk
	}
	return json.Marshal(st)
}

// UnmarshalRatchet restores a ratchet from Marshal output.
func UnmarshalRatchet(blob []byte) (*Ratchet, error) {
	var st ratchetState
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("e2ee: ratchet state: %w", err)
	}
	if !st.Version.Valid() {
		return nil, ErrUnknownVersion
	}
	r := &Ratchet{
		version:   st.Version,
		rootKey:   st.RootKey,
		dhSelf:    DHKeyPair{Public: st.DHSelfPub, Private: st.DHSelfPrv},
		dhPeer:    st.DHPeer,
		sendChain: st.SendChain,
		recvChain: st.RecvChain,
		ns:        st.NS,
		nr:        st.NR,
		pn:        st.PN,
		skipped:   make(map[skippedKeyID][]byte, len(st.Skipped)),
	}
	for key, mk := range st.Skipped {
		sep := strings.LastIndexByte(key, ':')
		if sep < 0 {
			return nil, errors.New("e2ee: ratchet state: malformed skipped key")
		}
		raw, err := hex.DecodeString(key[:sep])
		if err != nil {
			return nil, fmt.Errorf("e2ee: ratchet state: %w", err)
		}
		n, err := strconv.ParseUint(key[sep+1:], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("e2ee: ratchet state: %w", err)
		}
		r.skipped[skippedKeyID{DH: string(raw), N: uint32(n)}] = mk
	}
	return r, nil
}

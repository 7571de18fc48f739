package e2ee

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// newSessionPair runs X3DH and builds both ends of a ratchet session.
func newSessionPair(t *testing.T, v Version) (*Ratchet, *Ratchet) {
	t.Helper()
	aliceIdentity, err := GenerateDH(v)
	require.NoError(t, err)
	bobIdentity, err := GenerateDH(v)
	require.NoError(t, err)
	bobSigned, err := GenerateDH(v)
	require.NoError(t, err)
	bobOneTime, err := GenerateDH(v)
	require.NoError(t, err)

	res, err := InitiateX3DH(aliceIdentity, PrekeyBundle{
		Version:       v,
		IdentityDH:    bobIdentity.Public,
		SignedPrekey:  bobSigned.Public,
		OneTimePrekey: bobOneTime.Public,
	})
	require.NoError(t, err)

	bobSecret, err := RespondX3DH(v, bobIdentity, bobSigned, bobOneTime,
		aliceIdentity.Public, res.EphemeralPub)
	require.NoError(t, err)

	alice, err := NewRatchetInitiator(v, res.SharedSecret, bobSigned.Public)
	require.NoError(t, err)
	bob, err := NewRatchetResponder(v, bobSecret, bobSigned)
	require.NoError(t, err)
	return alice, bob
}

func TestRatchetPingPong(t *testing.T) {
	for _, v := range []Version{V1, V2} {
		t.Run(fmt.Sprintf("v%d", v), func(t *testing.T) {
			alice, bob := newSessionPair(t, v)
			aad := []byte("conv")

			for i := 0; i < 10; i++ {
				out := []byte(fmt.Sprintf("alice says %d", i))
				msg, err := alice.Encrypt(out, aad)
				require.NoError(t, err)
				got, err := bob.Decrypt(msg, aad)
				require.NoError(t, err)
				require.Equal(t, out, got)

				back := []byte(fmt.Sprintf("bob says %d", i))
				msg, err = bob.Encrypt(back, aad)
				require.NoError(t, err)
				got, err = alice.Decrypt(msg, aad)
				require.NoError(t, err)
				require.Equal(t, back, got)
			}
		})
	}
}

func TestRatchetOutOfOrderWithinSenderOrder(t *testing.T) {
	alice, bob := newSessionPair(t, V2)

	var msgs []*RatchetMessage
	for i := 0; i < 5; i++ {
		msg, err := alice.Encrypt([]byte(fmt.Sprintf("m%d", i)), nil)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	// Deliver 0 then 4; 1-3 become skipped keys, then arrive late.
	got, err := bob.Decrypt(msgs[0], nil)
	require.NoError(t, err)
	require.Equal(t, []byte("m0"), got)

	got, err = bob.Decrypt(msgs[4], nil)
	require.NoError(t, err)
	require.Equal(t, []byte("m4"), got)

	for _, i := range []int{2, 1, 3} {
		got, err = bob.Decrypt(msgs[i], nil)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("m%d", i)), got)
	}
}

func TestRatchetReplayRejected(t *testing.T) {
	alice, bob := newSessionPair(t, V2)

	msg, err := alice.Encrypt([]byte("once"), nil)
	require.NoError(t, err)
	_, err = bob.Decrypt(msg, nil)
	require.NoError(t, err)

	_, err = bob.Decrypt(msg, nil)
	require.Error(t, err)
}

func TestRatchetSkipCap(t *testing.T) {
	alice, bob := newSessionPair(t, V2)

	// Prime bob's receiving chain.
	msg, err := alice.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)
	_, err = bob.Decrypt(msg, nil)
	require.NoError(t, err)

	// Burn past the skip window without delivering.
	for i := 0; i <= MaxSkip; i++ {
		_, err = alice.Encrypt([]byte("burned"), nil)
		require.NoError(t, err)
	}
	msg, err = alice.Encrypt([]byte("too far"), nil)
	require.NoError(t, err)

	_, err = bob.Decrypt(msg, nil)
	require.ErrorIs(t, err, ErrTooManySkipped)
}

func TestRatchetWrongAADFails(t *testing.T) {
	alice, bob := newSessionPair(t, V2)
	msg, err := alice.Encrypt([]byte("bound"), []byte("aad-1"))
	require.NoError(t, err)
	_, err = bob.Decrypt(msg, []byte("aad-2"))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestRatchetMarshalRoundTrip(t *testing.T) {
	alice, bob := newSessionPair(t, V2)

	msg, err := alice.Encrypt([]byte("before save"), nil)
	require.NoError(t, err)
	_, err = bob.Decrypt(msg, nil)
	require.NoError(t, err)

	// Park a skipped key so serialization covers the skipped map.
	skipped, err := alice.Encrypt([]byte("skipped"), nil)
	require.NoError(t, err)
	later, err := alice.Encrypt([]byte("later"), nil)
	require.NoError(t, err)
	_, err = bob.Decrypt(later, nil)
	require.NoError(t, err)

	blob, err := bob.Marshal()
	require.NoError(t, err)
	restored, err := UnmarshalRatchet(blob)
	require.NoError(t, err)

	got, err := restored.Decrypt(skipped, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("skipped"), got)

	// The restored session keeps working in both directions.
	reply, err := restored.Encrypt([]byte("from restored"), nil)
	require.NoError(t, err)
	got, err = alice.Decrypt(reply, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("from restored"), got)
}

func TestUnmarshalRatchetRejectsGarbage(t *testing.T) {
	_, err := UnmarshalRatchet([]byte("not json"))
	require.Error(t, err)

	_, err = UnmarshalRatchet([]byte(`{"v":9}`))
	require.ErrorIs(t, err, ErrUnknownVersion)
}

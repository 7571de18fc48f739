package e2ee

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestX3DHSharedSecretAgreement(t *testing.T) {
	for _, v := range []Version{V1, V2} {
		for _, withOneTime := range []bool{true, false} {
			name := map[Version]string{V1: "v1", V2: "v2"}[v]
			if withOneTime {
				name += "/one-time"
			} else {
				name += "/no-one-time"
			}
			t.Run(name, func(t *testing.T) {
				aliceIdentity, err := GenerateDH(v)
				require.NoError(t, err)
				bobIdentity, err := GenerateDH(v)
				require.NoError(t, err)
				bobSigned, err := GenerateDH(v)
				require.NoError(t, err)

				bundle := PrekeyBundle{
					Version:      v,
					IdentityDH:   bobIdentity.Public,
					SignedPrekey: bobSigned.Public,
				}
				var bobOneTime DHKeyPair
				if withOneTime {
					bobOneTime, err = GenerateDH(v)
					require.NoError(t, err)
					bundle.OneTimePrekey = bobOneTime.Public
				}

				res, err := InitiateX3DH(aliceIdentity, bundle)
				require.NoError(t, err)
				require.Len(t, res.SharedSecret, SharedSecretSize)

				bobSecret, err := RespondX3DH(v, bobIdentity, bobSigned, bobOneTime,
					aliceIdentity.Public, res.EphemeralPub)
				require.NoError(t, err)
				require.Equal(t, res.SharedSecret, bobSecret)
			})
		}
	}
}

func TestX3DHOneTimePrekeyChangesSecret(t *testing.T) {
	aliceIdentity, _ := GenerateDH(V2)
	bobIdentity, _ := GenerateDH(V2)
	bobSigned, _ := GenerateDH(V2)
	bobOneTime, _ := GenerateDH(V2)

	bundle := PrekeyBundle{Version: V2, IdentityDH: bobIdentity.Public, SignedPrekey: bobSigned.Public}
	plain, err := InitiateX3DH(aliceIdentity, bundle)
	require.NoError(t, err)

	bundle.OneTimePrekey = bobOneTime.Public
	withOTP, err := InitiateX3DH(aliceIdentity, bundle)
	require.NoError(t, err)

	require.NotEqual(t, plain.SharedSecret, withOTP.SharedSecret)
}

func TestX3DHRejectsUnknownVersion(t *testing.T) {
	identity, _ := GenerateDH(V2)
	_, err := InitiateX3DH(identity, PrekeyBundle{Version: Version(3)})
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestSignVerifyBothSuites(t *testing.T) {
	for _, v := range []Version{V1, V2} {
		pair, err := GenerateSigning(v)
		require.NoError(t, err)
		require.Len(t, pair.Public, v.SigningKeySize())

		msg := []byte("signed prekey bytes")
		sig, err := Sign(v, pair.Private, msg)
		require.NoError(t, err)
		require.Len(t, sig, v.SignatureSize())
		require.True(t, Verify(v, pair.Public, msg, sig))

		sig[0] ^= 0x01
		require.False(t, Verify(v, pair.Public, msg, sig))
	}
}

func TestDHKeySizesMatchWireProtocol(t *testing.T) {
	require.Equal(t, 56, V1.DHKeySize())
	require.Equal(t, 57, V1.SigningKeySize())
	require.Equal(t, 32, V2.DHKeySize())
	require.Equal(t, 32, V2.SigningKeySize())
}

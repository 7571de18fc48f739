package e2ee

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafetyNumberSymmetric(t *testing.T) {
	a, _ := GenerateSigning(V2)
	b, _ := GenerateSigning(V2)

	ab := SafetyNumber(a.Public, b.Public)
	ba := SafetyNumber(b.Public, a.Public)
	require.Equal(t, ab, ba)
	require.Len(t, ab, 60)
	require.Regexp(t, `^[0-9]{60}$`, ab)
}

func TestSafetyNumberDistinguishesKeys(t *testing.T) {
	a, _ := GenerateSigning(V2)
	a2, _ := GenerateSigning(V2)
	b, _ := GenerateSigning(V2)

	require.NotEqual(t, SafetyNumber(a.Public, b.Public), SafetyNumber(a2.Public, b.Public))
}

func TestSafetyNumberDeterministic(t *testing.T) {
	a, _ := GenerateSigning(V1)
	b, _ := GenerateSigning(V1)
	require.Equal(t, SafetyNumber(a.Public, b.Public), SafetyNumber(a.Public, b.Public))
}

func TestFormatSafetyNumber(t *testing.T) {
	number := "123451234512345123451234512345678906789067890678906789067890"
	formatted := FormatSafetyNumber(number)
	require.Len(t, formatted, 60+11) // 12 groups, 11 separators
	require.Equal(t, "12345", formatted[:5])
	require.Equal(t, " ", string(formatted[5]))
}

func TestSafetyNumberQRSymmetric(t *testing.T) {
	a, _ := GenerateSigning(V2)
	b, _ := GenerateSigning(V2)
	require.Equal(t, SafetyNumberQR(a.Public, b.Public), SafetyNumberQR(b.Public, a.Public))
	require.Len(t, SafetyNumberQR(a.Public, b.Public), 64)
}

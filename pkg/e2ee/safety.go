package e2ee

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// safetyIterations is the SHA-512 hardening count for fingerprints.
const safetyIterations = 5200

// SafetyNumber derives the deterministic 60-digit fingerprint over two
// parties' public identity keys. The two 30-digit halves are sorted, so
// both parties compute the same value regardless of argument order.
func SafetyNumber(identityA, identityB []byte) string {
	halves := []string{fingerprintDigits(identityA), fingerprintDigits(identityB)}
	if halves[0] > halves[1] {
		halves[0], halves[1] = halves[1], halves[0]
	}
	return halves[0] + halves[1]
}

// FormatSafetyNumber renders a 60-digit safety number as 12 groups of 5.
func FormatSafetyNumber(number string) string {
	groups := make([]string, 0, 12)
	for i := 0; i+5 <= len(number); i += 5 {
		groups = append(groups, number[i:i+5])
	}
	return strings.Join(groups, " ")
}

// SafetyNumberQR is the machine-readable companion of the fingerprint,
// stable under argument order.
func SafetyNumberQR(identityA, identityB []byte) string {
	lo, hi := identityA, identityB
	if string(lo) > string(hi) {
		lo, hi = hi, lo
	}
	sum := sha512.Sum512(append(append([]byte("SCP_SafetyNumber_QR"), lo...), hi...))
	return hex.EncodeToString(sum[:32])
}

// fingerprintDigits maps one identity key to 30 decimal digits through an
// iterated hash.
func fingerprintDigits(identity []byte) string {
	h := sha512.Sum512(identity)
	for i := 1; i < safetyIterations; i++ {
		h = sha512.Sum512(append(h[:], identity...))
	}

	var b strings.Builder
	for i := 0; i < 6; i++ {
		chunk := h[i*5 : i*5+5]
		n := binary.BigEndian.Uint64(append([]byte{0, 0, 0}, chunk...))
		fmt.Fprintf(&b, "%05d", n%100000)
	}
	return b.String()
}

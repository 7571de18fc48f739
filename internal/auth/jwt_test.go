package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newManager() *JWTManager {
	return NewJWTManager("test-secret", 15*time.Minute, 30*24*time.Hour)
}

func TestIssueAndVerify(t *testing.T) {
	m := newManager()
	pair, err := m.Issue(42)
	require.NoError(t, err)

	claims, err := m.Verify(pair.Access, KindAccess)
	require.NoError(t, err)
	require.Equal(t, int64(42), claims.UserID)

	refreshClaims, err := m.Verify(pair.Refresh, KindRefresh)
	require.NoError(t, err)
	require.Equal(t, pair.RefreshID, refreshClaims.ID)
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	m := newManager()
	pair, err := m.Issue(1)
	require.NoError(t, err)

	_, err = m.Verify(pair.Refresh, KindAccess)
	require.ErrorIs(t, err, ErrWrongKind)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	pair, err := newManager().Issue(1)
	require.NoError(t, err)

	other := NewJWTManager("other-secret", time.Minute, time.Hour)
	_, err = other.Verify(pair.Access, KindAccess)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := NewJWTManager("test-secret", -time.Minute, time.Hour)
	pair, err := m.Issue(1)
	require.NoError(t, err)

	_, err = m.Verify(pair.Access, KindAccess)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/chat/", nil)
	_, err := FromRequest(r)
	require.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Bearer abc")
	token, err := FromRequest(r)
	require.NoError(t, err)
	require.Equal(t, "abc", token)

	r = httptest.NewRequest("GET", "/ws/chat/?token=xyz", nil)
	token, err = FromRequest(r)
	require.NoError(t, err)
	require.Equal(t, "xyz", token)

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	_, err = FromRequest(r)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("hunter22")
	require.NoError(t, err)
	require.True(t, CheckSecret(hash, "hunter22"))
	require.False(t, CheckSecret(hash, "hunter23"))
}

// Package auth issues and verifies bearer tokens and hashes credentials.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token kinds carried in the "kind" claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrWrongKind    = errors.New("auth: wrong token kind")
)

// Claims are the JWT claims carried by both token kinds.
type Claims struct {
	UserID int64  `json:"uid"`
	Kind   string `json:"kind"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies HS256 access/refresh tokens.
type JWTManager struct {
	secret          []byte
	accessLifetime  time.Duration
	refreshLifetime time.Duration
}

func NewJWTManager(secret string, accessLifetime, refreshLifetime time.Duration) *JWTManager {
	return &JWTManager{
		secret:          []byte(secret),
		accessLifetime:  accessLifetime,
		refreshLifetime: refreshLifetime,
	}
}

// TokenPair is what login and refresh hand back to clients.
type TokenPair struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	RefreshID string `json:"-"`
}

// Issue creates a fresh access+refresh pair for a user. The refresh token
// carries a unique id (jti) so logout can blacklist it.
func (m *JWTManager) Issue(userID int64) (*TokenPair, error) {
	access, err := m.sign(userID, KindAccess, m.accessLifetime, uuid.NewString())
	if err != nil {
		return nil, err
	}
	refreshID := uuid.NewString()
	refresh, err := m.sign(userID, KindRefresh, m.refreshLifetime, refreshID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: refresh, RefreshID: refreshID}, nil
}

func (m *JWTManager) sign(userID int64, kind string, lifetime time.Duration, id string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			Issuer:    "securechat",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses a token and checks that it is of the expected kind.
func (m *JWTManager) Verify(tokenString, kind string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}
	return claims, nil
}

// FromRequest pulls a bearer token from the Authorization header, falling
// back to the "token" query parameter used by WebSocket endpoints.
func FromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return "", ErrInvalidToken
		}
		return strings.TrimPrefix(header, prefix), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

package httpapi

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/axiona25/securechat-sub000/internal/auth"
)

const emailCodeLifetime = 10 * time.Minute

type registerRequest struct {
	Email           string `json:"email" binding:"required,email"`
	Username        string `json:"username" binding:"required,min=3,max=64"`
	Password        string `json:"password" binding:"required,min=8"`
	PasswordConfirm string `json:"password_confirm" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid registration payload")
		return
	}
	if req.Password != req.PasswordConfirm {
		badRequest(c, "passwords do not match")
		return
	}

	hash, err := auth.HashSecret(req.Password)
	if err != nil {
		s.respondError(c, err)
		return
	}
	user, err := s.store.CreateUser(c.Request.Context(), req.Email, req.Username, hash)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.issueEmailCode(c, user.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
	})
}

// issueEmailCode stores a hashed 6-digit code. Delivery is owned by the mail
// collaborator; the code is logged at debug level for development setups.
func (s *Server) issueEmailCode(c *gin.Context, userID int64) error {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return err
	}
	code := fmt.Sprintf("%06d", n.Int64())
	hash, err := auth.HashSecret(code)
	if err != nil {
		return err
	}
	if err := s.store.SaveEmailCode(c.Request.Context(), userID, hash, time.Now().Add(emailCodeLifetime)); err != nil {
		return err
	}
	s.logger.Debug().Int64("user", userID).Str("code", code).Msg("verification code issued")
	return nil
}

type verifyEmailRequest struct {
	Email string `json:"email" binding:"required,email"`
	Code  string `json:"code" binding:"required,len=6"`
}

func (s *Server) handleVerifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid verification payload")
		return
	}
	ctx := c.Request.Context()

	// One generic failure for unknown email, expired code and wrong code, so
	// the endpoint does not disclose which emails exist.
	fail := func() { badRequest(c, "invalid or expired code") }

	user, err := s.store.UserByEmail(ctx, req.Email)
	if err != nil {
		fail()
		return
	}
	hash, err := s.store.EmailCode(ctx, user.ID)
	if err != nil || !auth.CheckSecret(hash, req.Code) {
		fail()
		return
	}
	if err := s.store.MarkVerified(ctx, user.ID); err != nil {
		s.respondError(c, err)
		return
	}
	_ = s.store.DeleteEmailCode(ctx, user.ID)
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid login payload")
		return
	}
	ctx := c.Request.Context()

	user, err := s.store.UserByEmail(ctx, req.Email)
	if err != nil || !auth.CheckSecret(user.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	pair, err := s.jwt.Issue(user.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access":  pair.Access,
		"refresh": pair.Refresh,
		"user": gin.H{
			"id":          user.ID,
			"email":       user.Email,
			"username":    user.Username,
			"is_verified": user.IsVerified,
		},
	})
}

type refreshRequest struct {
	Refresh string `json:"refresh" binding:"required"`
}

// handleRefresh rotates the refresh token: the presented token is
// blacklisted and a fresh pair issued.
func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid refresh payload")
		return
	}
	ctx := c.Request.Context()

	claims, err := s.jwt.Verify(req.Refresh, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	voided, err := s.store.RefreshTokenBlacklisted(ctx, claims.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if voided {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	if err := s.store.BlacklistRefreshToken(ctx, claims.ID, claims.UserID, claims.ExpiresAt.Time); err != nil {
		s.respondError(c, err)
		return
	}
	pair, err := s.jwt.Issue(claims.UserID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": pair.Access, "refresh": pair.Refresh})
}

func (s *Server) handleLogout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid logout payload")
		return
	}
	claims, err := s.jwt.Verify(req.Refresh, auth.KindRefresh)
	if err != nil {
		// A token that no longer verifies needs no blacklisting.
		c.JSON(http.StatusOK, gin.H{"logged_out": true})
		return
	}
	if err := s.store.BlacklistRefreshToken(c.Request.Context(), claims.ID, claims.UserID, claims.ExpiresAt.Time); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.SetPresence(c.Request.Context(), claims.UserID, false); err != nil {
		s.logger.Warn().Err(err).Msg("presence write failed on logout")
	}
	c.JSON(http.StatusOK, gin.H{"logged_out": true})
}

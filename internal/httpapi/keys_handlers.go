package httpapi

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/axiona25/securechat-sub000/internal/keysvc"
)

type prekeyPayload struct {
	KeyID     int    `json:"key_id"`
	PublicKey string `json:"public_key" binding:"required"`
}

type keysUploadRequest struct {
	CryptoVersion         int             `json:"crypto_version" binding:"required"`
	IdentityKeyPublic     string          `json:"identity_key_public" binding:"required"`
	IdentityDHKeyPublic   string          `json:"identity_dh_key_public" binding:"required"`
	SignedPrekeyPublic    string          `json:"signed_prekey_public" binding:"required"`
	SignedPrekeySignature string          `json:"signed_prekey_signature" binding:"required"`
	SignedPrekeyID        int             `json:"signed_prekey_id"`
	SignedPrekeyTimestamp *time.Time      `json:"signed_prekey_timestamp"`
	OneTimePrekeys        []prekeyPayload `json:"one_time_prekeys"`
}

func decodeB64(c *gin.Context, field, value string) ([]byte, bool) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		badRequest(c, "invalid base64 in "+field)
		return nil, false
	}
	return raw, true
}

func (s *Server) handleKeysUpload(c *gin.Context) {
	var req keysUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid key bundle payload")
		return
	}

	identity, ok := decodeB64(c, "identity_key_public", req.IdentityKeyPublic)
	if !ok {
		return
	}
	identityDH, ok := decodeB64(c, "identity_dh_key_public", req.IdentityDHKeyPublic)
	if !ok {
		return
	}
	signedPrekey, ok := decodeB64(c, "signed_prekey_public", req.SignedPrekeyPublic)
	if !ok {
		return
	}
	signature, ok := decodeB64(c, "signed_prekey_signature", req.SignedPrekeySignature)
	if !ok {
		return
	}

	in := keysvc.UploadInput{
		CryptoVersion:         req.CryptoVersion,
		IdentityKey:           identity,
		IdentityDHKey:         identityDH,
		SignedPrekey:          signedPrekey,
		SignedPrekeySignature: signature,
		SignedPrekeyID:        req.SignedPrekeyID,
	}
	if req.SignedPrekeyTimestamp != nil {
		in.SignedPrekeyCreatedAt = *req.SignedPrekeyTimestamp
	}
	for _, pk := range req.OneTimePrekeys {
		raw, err := base64.StdEncoding.DecodeString(pk.PublicKey)
		if err != nil {
			continue // malformed prekeys are discarded, not fatal
		}
		in.OneTimePrekeys = append(in.OneTimePrekeys, keysvc.Prekey{KeyID: pk.KeyID, PublicKey: raw})
	}

	if err := s.keys.Upload(c.Request.Context(), userID(c), in, c.ClientIP()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploaded": true, "one_time_prekeys": len(in.OneTimePrekeys)})
}

func (s *Server) handleKeysFetch(c *gin.Context) {
	targetID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid user id")
		return
	}
	result, err := s.keys.Fetch(c.Request.Context(), userID(c), targetID,
		c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{
		"crypto_version":          result.CryptoVersion,
		"identity_key_public":     base64.StdEncoding.EncodeToString(result.IdentityKey),
		"identity_dh_key_public":  base64.StdEncoding.EncodeToString(result.IdentityDHKey),
		"signed_prekey_public":    base64.StdEncoding.EncodeToString(result.SignedPrekey),
		"signed_prekey_signature": base64.StdEncoding.EncodeToString(result.SignedPrekeySignature),
		"signed_prekey_id":        result.SignedPrekeyID,
		"signed_prekey_timestamp": result.SignedPrekeyCreatedAt.UTC().Format(time.RFC3339),
		"prekeys_remaining":       result.PrekeysRemaining,
		"one_time_prekey":         nil,
	}
	if result.OneTimePrekey != nil {
		resp["one_time_prekey"] = gin.H{
			"key_id":     result.OneTimePrekey.KeyID,
			"public_key": base64.StdEncoding.EncodeToString(result.OneTimePrekey.PublicKey),
		}
	}
	c.JSON(http.StatusOK, resp)
}

type replenishRequest struct {
	Prekeys []prekeyPayload `json:"prekeys" binding:"required"`
}

func (s *Server) handleKeysReplenish(c *gin.Context) {
	var req replenishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid replenish payload")
		return
	}
	if len(req.Prekeys) > keysvc.MaxReplenish {
		badRequest(c, "at most 200 prekeys per call")
		return
	}

	prekeys := make([]keysvc.Prekey, 0, len(req.Prekeys))
	for _, pk := range req.Prekeys {
		raw, err := base64.StdEncoding.DecodeString(pk.PublicKey)
		if err != nil {
			continue
		}
		prekeys = append(prekeys, keysvc.Prekey{KeyID: pk.KeyID, PublicKey: raw})
	}

	remaining, err := s.keys.Replenish(c.Request.Context(), userID(c), prekeys)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prekeys_remaining": remaining})
}

type rotateSignedRequest struct {
	SignedPrekeyPublic    string `json:"signed_prekey_public" binding:"required"`
	SignedPrekeySignature string `json:"signed_prekey_signature" binding:"required"`
	SignedPrekeyID        int    `json:"signed_prekey_id"`
}

func (s *Server) handleKeysRotate(c *gin.Context) {
	var req rotateSignedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid rotate payload")
		return
	}
	prekey, ok := decodeB64(c, "signed_prekey_public", req.SignedPrekeyPublic)
	if !ok {
		return
	}
	signature, ok := decodeB64(c, "signed_prekey_signature", req.SignedPrekeySignature)
	if !ok {
		return
	}
	if err := s.keys.RotateSigned(c.Request.Context(), userID(c), prekey, signature, req.SignedPrekeyID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rotated": true})
}

func (s *Server) handleSafetyNumber(c *gin.Context) {
	peerID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid user id")
		return
	}
	result, err := s.keys.SafetyNumber(c.Request.Context(), userID(c), peerID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"safety_number":     result.Formatted,
		"safety_number_raw": result.Raw,
		"qr_data":           result.QR,
	})
}

type ratchetPutRequest struct {
	State string `json:"state" binding:"required"`
}

func (s *Server) handleRatchetPut(c *gin.Context) {
	peerID, err := strconv.ParseInt(c.Param("peer_id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid peer id")
		return
	}
	var req ratchetPutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid session payload")
		return
	}
	state, ok := decodeB64(c, "state", req.State)
	if !ok {
		return
	}
	if err := s.keys.SaveRatchet(c.Request.Context(), userID(c), peerID, state); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

func (s *Server) handleRatchetGet(c *gin.Context) {
	peerID, err := strconv.ParseInt(c.Param("peer_id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid peer id")
		return
	}
	state, err := s.keys.Ratchet(c.Request.Context(), userID(c), peerID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": base64.StdEncoding.EncodeToString(state)})
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/axiona25/securechat-sub000/internal/media"
	"github.com/axiona25/securechat-sub000/internal/pipeline"
	"github.com/axiona25/securechat-sub000/internal/store"
	"github.com/axiona25/securechat-sub000/pkg/e2ee"
)

// respondError maps internal errors onto the HTTP taxonomy. Unknown errors
// become opaque 500s; details stay in the log, never in the response.
func (s *Server) respondError(c *gin.Context, err error) {
	var verr *pipeline.ErrValidation
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason, "field": verr.Field})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, media.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "already exists"})
	case errors.Is(err, store.ErrEditWindowClosed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "edit window closed"})
	case errors.Is(err, store.ErrBadTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "illegal call transition"})
	case errors.Is(err, e2ee.ErrUnknownVersion),
		errors.Is(err, e2ee.ErrBadKeyLength),
		errors.Is(err, e2ee.ErrBadSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiona25/securechat-sub000/internal/config"
	"github.com/axiona25/securechat-sub000/internal/media"
	"github.com/axiona25/securechat-sub000/internal/pipeline"
	"github.com/axiona25/securechat-sub000/internal/store"
	"github.com/axiona25/securechat-sub000/pkg/e2ee"
)

func TestLimiterAllowsBudgetThenDenies(t *testing.T) {
	lr := newLimiterRegistry()

	for i := 0; i < 10; i++ {
		require.True(t, lr.allow(1, "keys_upload", 10, time.Hour), "request %d should pass", i+1)
	}
	assert.False(t, lr.allow(1, "keys_upload", 10, time.Hour), "11th request should be limited")

	// Other users and other routes carry independent budgets.
	assert.True(t, lr.allow(2, "keys_upload", 10, time.Hour))
	assert.True(t, lr.allow(1, "keys_fetch", 60, time.Hour))
}

func TestRespondErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &Server{}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"media not found", media.ErrNotFound, http.StatusNotFound},
		{"forbidden", store.ErrForbidden, http.StatusForbidden},
		{"conflict", store.ErrConflict, http.StatusConflict},
		{"edit window", store.ErrEditWindowClosed, http.StatusBadRequest},
		{"call transition", store.ErrBadTransition, http.StatusConflict},
		{"bad signature", e2ee.ErrBadSignature, http.StatusBadRequest},
		{"validation", &pipeline.ErrValidation{Field: "message_type", Reason: "unknown"}, http.StatusBadRequest},
		{"wrapped not found", errors.Join(errors.New("ctx"), store.ErrNotFound), http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			s.respondError(c, tt.err)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &Server{cfg: &config.Config{Server: config.ServerConfig{CORSOrigins: []string{"*"}}}}

	r := gin.New()
	r.Use(s.cors())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &Server{cfg: &config.Config{Server: config.ServerConfig{CORSOrigins: []string{"https://app.example.com"}}}}

	r := gin.New()
	r.Use(s.cors())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

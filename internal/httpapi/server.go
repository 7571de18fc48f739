// Package httpapi exposes the HTTP and WebSocket surface: auth, chat, media,
// encryption keys, notifications, health and metrics.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/axiona25/securechat-sub000/internal/auth"
	"github.com/axiona25/securechat-sub000/internal/call"
	"github.com/axiona25/securechat-sub000/internal/config"
	"github.com/axiona25/securechat-sub000/internal/keysvc"
	"github.com/axiona25/securechat-sub000/internal/media"
	"github.com/axiona25/securechat-sub000/internal/metrics"
	"github.com/axiona25/securechat-sub000/internal/pipeline"
	"github.com/axiona25/securechat-sub000/internal/session"
	"github.com/axiona25/securechat-sub000/internal/store"
)

// Server wires handlers to their collaborators.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	jwt      *auth.JWTManager
	pipeline *pipeline.Pipeline
	keys     *keysvc.Service
	calls    *call.Service
	hub      *session.Hub
	media    media.Storage
	metrics  *metrics.Registry
	logger   zerolog.Logger
	limits   *limiterRegistry
}

// New builds the server.
func New(cfg *config.Config, st *store.Store, jwt *auth.JWTManager, pl *pipeline.Pipeline,
	ks *keysvc.Service, cs *call.Service, hub *session.Hub, ms media.Storage,
	m *metrics.Registry, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		jwt:      jwt,
		pipeline: pl,
		keys:     ks,
		calls:    cs,
		hub:      hub,
		media:    ms,
		metrics:  m,
		logger:   logger.With().Str("component", "http").Logger(),
		limits:   newLimiterRegistry(),
	}
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.requestLog(), s.recovery(), s.cors())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.cfg.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Prometheus(), promhttp.HandlerOpts{})))
	}

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/register", s.handleRegister)
		authGroup.POST("/verify-email", s.handleVerifyEmail)
		authGroup.POST("/login", s.handleLogin)
		authGroup.POST("/token/refresh", s.handleRefresh)
		authGroup.POST("/logout", s.handleLogout)
	}

	chat := r.Group("/chat", s.requireAuth())
	{
		chat.GET("/conversations/", s.handleListConversations)
		chat.POST("/conversations/create/", s.handleCreateConversation)
		chat.GET("/conversations/:id/messages/", s.handleListMessages)
		chat.POST("/conversations/:id/messages/", s.handleSendMessage)
		chat.POST("/conversations/:id/read/", s.handleMarkRead)

		chat.POST("/media/upload/", s.handleMediaUpload)
		chat.GET("/media/:id/download/", s.handleMediaDownload)
		chat.GET("/media/:id/key/", s.handleMediaKey)
	}

	enc := r.Group("/encryption", s.requireAuth())
	{
		enc.POST("/keys/upload/", s.rateLimit("keys_upload", 10, time.Hour), s.handleKeysUpload)
		enc.GET("/keys/:user_id/", s.rateLimit("keys_fetch", 60, time.Hour), s.handleKeysFetch)
		enc.POST("/keys/replenish/", s.rateLimit("keys_replenish", 10, time.Hour), s.handleKeysReplenish)
		enc.POST("/keys/rotate-signed/", s.rateLimit("keys_rotate", 10, time.Hour), s.handleKeysRotate)
		enc.GET("/safety-number/:user_id/", s.handleSafetyNumber)
		enc.PUT("/sessions/:peer_id/", s.handleRatchetPut)
		enc.GET("/sessions/:peer_id/", s.handleRatchetGet)
	}

	notif := r.Group("/notifications", s.requireAuth())
	{
		notif.POST("/devices/register/", s.handleDeviceRegister)
		notif.GET("/preferences/", s.handlePreferencesGet)
		notif.PATCH("/preferences/", s.handlePreferencesPatch)
		notif.POST("/mute/", s.handleMute)
		notif.GET("/", s.handleNotificationList)
		notif.POST("/read/", s.handleNotificationsRead)
	}

	r.GET("/ws/chat/", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request, session.ScopeChat)
	})
	r.GET("/ws/calls/", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request, session.ScopeCalls)
	})

	return r
}

// HTTPServer wraps the router with the configured timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
}

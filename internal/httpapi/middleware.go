package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/axiona25/securechat-sub000/internal/auth"
)

const ctxUserID = "user_id"

// userID returns the authenticated caller set by requireAuth.
func userID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}

// requireAuth validates the access token and stores the caller id.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.FromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		claims, err := s.jwt.Verify(token, auth.KindAccess)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}

// limiterRegistry keeps one token bucket per (user, route), expiring idle
// buckets so the map cannot grow without bound.
type limiterRegistry struct {
	buckets *cache.Cache
}

func newLimiterRegistry() *limiterRegistry {
	return &limiterRegistry{buckets: cache.New(2*time.Hour, 15*time.Minute)}
}

func (lr *limiterRegistry) allow(userID int64, route string, perWindow int, window time.Duration) bool {
	key := strconv.FormatInt(userID, 10) + ":" + route
	if v, ok := lr.buckets.Get(key); ok {
		return v.(*rate.Limiter).Allow()
	}
	limiter := rate.NewLimiter(rate.Every(window/time.Duration(perWindow)), perWindow)
	lr.buckets.Set(key, limiter, cache.DefaultExpiration)
	return limiter.Allow()
}

// rateLimit enforces a per-user request budget on one route.
func (s *Server) rateLimit(route string, perWindow int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limits.allow(userID(c), route, perWindow, window) {
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())/perWindow))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// requestLog emits one structured line per request.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}

// recovery converts handler panics into 500s with a logged stack.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("path", c.Request.URL.Path).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// cors applies the configured allowed origins.
func (s *Server) cors() gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(s.cfg.Server.CORSOrigins))
	for _, o := range s.cfg.Server.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-File-Hash")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

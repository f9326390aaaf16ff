package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	log "github.com/openmux/modelgate/internal/logging"
)

// requestLogMiddleware logs one line per request in the shared log format.
func requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Management-Key")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// managementAuthMiddleware guards the management surface with the
// configured key, accepted either as a Bearer token or the
// X-Management-Key header. No key configured means the surface is closed.
func (s *Server) managementAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.managementKey == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "management api disabled"})
			return
		}
		provided := c.GetHeader("X-Management-Key")
		if provided == "" {
			provided = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.managementKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

// Package api exposes the gateway over HTTP: the completion endpoint and
// the management surface for stats, credentials and health.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openmux/modelgate/internal/config"
	"github.com/openmux/modelgate/internal/gateway"
	"github.com/openmux/modelgate/internal/health"
	log "github.com/openmux/modelgate/internal/logging"
)

// Server is the HTTP front of one gateway instance.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	gateway *gateway.Gateway
	monitor *health.Monitor

	managementKey string
}

// NewServer builds the engine, middleware and routes.
func NewServer(cfg *config.Config, gw *gateway.Gateway, monitor *health.Monitor) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(requestLogMiddleware(), gin.Recovery(), corsMiddleware())

	s := &Server{
		engine:        engine,
		gateway:       gw,
		monitor:       monitor,
		managementKey: cfg.ManagementKey,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "modelgate",
			"endpoints": []string{
				"POST /v1/completions",
				"GET /v1/models",
			},
		})
	})
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/models", s.listModels)
		v1.POST("/completions", s.completions)
		v1.POST("/chat/completions", s.completions)
	}

	mgmt := s.engine.Group("/v0/management")
	mgmt.Use(s.managementAuthMiddleware())
	{
		mgmt.GET("/stats", s.getStats)
		mgmt.GET("/credentials", s.listCredentials)
		mgmt.PUT("/credentials/:id/enable", s.enableCredential)
		mgmt.PUT("/credentials/:id/disable", s.disableCredential)
		mgmt.POST("/health/scan", s.triggerScan)
	}
}

// Start blocks serving requests until Stop or a fatal listen error.
func (s *Server) Start() error {
	log.Infof("api server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Stop drains in-flight requests within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping api server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/openmux/modelgate/internal/executor"
	"github.com/openmux/modelgate/internal/gateway"
	"github.com/openmux/modelgate/internal/json"
	log "github.com/openmux/modelgate/internal/logging"
	"github.com/openmux/modelgate/internal/registry"
)

// maxRequestBody caps inbound payloads at 10 MiB.
const maxRequestBody = 10 << 20

// completions routes one inference request through the gateway. The JSON
// body is forwarded to the provider; model, tags, priority and max_tokens
// are read from it and from headers.
func (s *Server) completions(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "unable to read request body"))
		return
	}

	opts := gateway.Options{
		Model:     gjson.GetBytes(payload, "model").String(),
		Priority:  c.GetHeader("X-Priority"),
		MaxTokens: int(gjson.GetBytes(payload, "max_tokens").Int()),
	}
	if tags := c.Query("tags"); tags != "" {
		opts.Tags = strings.Split(tags, ",")
	}
	if timeout := c.Query("timeout"); timeout != "" {
		if d, errParse := time.ParseDuration(timeout); errParse == nil && d > 0 {
			opts.Timeout = d
		}
	}

	result, err := s.gateway.Call(c.Request.Context(), payload, opts)
	if err != nil {
		s.writeCallError(c, err)
		return
	}

	c.Header("X-Model-Used", result.ModelUsed)
	c.Header("X-Credential-Id", result.CredentialID)
	c.Data(http.StatusOK, "application/json", result.Content)
}

// writeCallError maps gateway errors onto HTTP statuses.
func (s *Server) writeCallError(c *gin.Context, err error) {
	var (
		cfgErr  *gateway.ConfigurationError
		execErr *executor.Error
	)
	switch {
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, errorBody("configuration_error", cfgErr.Reason))
	case errors.Is(err, gateway.ErrNoCapacity):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, errorBody("no_capacity", "no credential capacity available, retry later"))
	case errors.Is(err, gateway.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, errorBody("timeout", "request deadline exceeded"))
	case errors.As(err, &execErr):
		status := execErr.StatusCode()
		if status < 400 {
			status = http.StatusBadGateway
		}
		c.JSON(status, errorBody(execErr.Category.String(), execErr.Message))
	default:
		log.WithError(err).Error("unhandled call failure")
		c.JSON(http.StatusInternalServerError, errorBody("internal", "internal error"))
	}
}

func errorBody(kind, message string) gin.H {
	return gin.H{"error": gin.H{"type": kind, "message": message}}
}

func (s *Server) listModels(c *gin.Context) {
	models := s.gateway.Models()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":           m.Name,
			"object":       "model",
			"owned_by":     m.Provider,
			"max_tokens":   m.MaxTokens,
			"capabilities": m.Capabilities,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// getStats serves windowed aggregates; ?window=3600 is in seconds, zero or
// absent aggregates everything retained.
func (s *Server) getStats(c *gin.Context) {
	var window time.Duration
	if raw := c.Query("window"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			c.JSON(http.StatusBadRequest, errorBody("invalid_request", "window must be a non-negative integer of seconds"))
			return
		}
		window = time.Duration(secs) * time.Second
	}
	writeJSON(c, http.StatusOK, s.gateway.Stats(window))
}

func (s *Server) listCredentials(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"credentials": s.gateway.Credentials()})
}

// writeJSON serializes through the sonic-backed wrapper; management
// payloads can be large when the pool is.
func writeJSON(c *gin.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("response serialization failed")
		c.JSON(http.StatusInternalServerError, errorBody("internal", "serialization failure"))
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}

func (s *Server) enableCredential(c *gin.Context) {
	s.setCredentialState(c, s.gateway.EnableCredential)
}

func (s *Server) disableCredential(c *gin.Context) {
	s.setCredentialState(c, s.gateway.DisableCredential)
}

func (s *Server) setCredentialState(c *gin.Context, apply func(string) error) {
	id := c.Param("id")
	if err := apply(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody("not_found", "unknown credential id"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody("internal", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "ok": true})
}

// triggerScan runs one health scan immediately instead of waiting for the
// next tick.
func (s *Server) triggerScan(c *gin.Context) {
	s.monitor.Scan()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

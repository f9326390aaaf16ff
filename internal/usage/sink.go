// Package usage persists call outcomes for offline analysis and billing.
// Writes are asynchronous and batched so the request hot path never waits
// on storage.
package usage

import (
	"strings"

	"github.com/openmux/modelgate/internal/config"
	"github.com/openmux/modelgate/internal/telemetry"
)

// Sink receives call outcomes for durable storage.
type Sink interface {
	// Enqueue is non-blocking; records may be dropped when the queue is
	// saturated rather than stalling callers.
	Enqueue(outcome telemetry.Outcome)
	// Stop flushes pending writes and releases the backend.
	Stop() error
}

// NewSink builds the configured backend, or nil when persistence is off.
func NewSink(cfg config.UsageConfig) (Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Backend) {
	case "postgres":
		return NewPostgresSink(cfg)
	default:
		return NewSQLiteSink(cfg)
	}
}

// Package modelgate provides the public API for embedding the gateway as a
// library. It wraps the internal implementation with a stable, minimal
// surface.
package modelgate

import (
	"context"
	"time"

	"github.com/openmux/modelgate/internal/config"
	"github.com/openmux/modelgate/internal/gateway"
	"github.com/openmux/modelgate/internal/health"
	"github.com/openmux/modelgate/internal/registry"
	"github.com/openmux/modelgate/internal/telemetry"
	"github.com/openmux/modelgate/internal/usage"
)

// Config is the gateway configuration.
type Config = config.Config

// Options shapes one call through the gateway.
type Options = gateway.Options

// Result is the successful outcome of a call.
type Result = gateway.Result

// Stats is a windowed telemetry aggregate.
type Stats = telemetry.Stats

// CredentialView is a read-only snapshot of one pool credential.
type CredentialView = registry.CredentialView

// ConfigurationError marks caller mistakes no retry can fix.
type ConfigurationError = gateway.ConfigurationError

// ErrNoCapacity is returned when no credential can serve a request.
var ErrNoCapacity = gateway.ErrNoCapacity

// ErrTimeout is returned when a call's deadline expires.
var ErrTimeout = gateway.ErrTimeout

// LoadConfig loads and validates configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	return config.LoadConfig(path)
}

// ParseConfig parses configuration from raw YAML bytes.
func ParseConfig(data []byte) (*Config, error) {
	return config.ParseConfig(data)
}

// Gateway routes requests across the credential pool with health tracking.
// Construct with New; Close releases the background monitor and any usage
// persistence.
type Gateway struct {
	inner   *gateway.Gateway
	monitor *health.Monitor
	sink    usage.Sink
}

// New assembles a running gateway, including its health monitor and, when
// configured, usage persistence.
func New(cfg *Config) (*Gateway, error) {
	sink, err := usage.NewSink(cfg.Usage)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(cfg, sink)
	monitor := health.NewMonitor(gw.Registry(), cfg.Health)
	monitor.Start()
	return &Gateway{inner: gw, monitor: monitor, sink: sink}, nil
}

// Call routes one request through the pool.
func (g *Gateway) Call(ctx context.Context, payload []byte, opts Options) (Result, error) {
	return g.inner.Call(ctx, payload, opts)
}

// Stats aggregates recorded outcomes no older than the window.
func (g *Gateway) Stats(window time.Duration) Stats {
	return g.inner.Stats(window)
}

// Credentials returns masked snapshots of the pool.
func (g *Gateway) Credentials() []CredentialView {
	return g.inner.Credentials()
}

// DisableCredential manually removes a credential from rotation.
func (g *Gateway) DisableCredential(id string) error {
	return g.inner.DisableCredential(id)
}

// EnableCredential manually returns a credential to rotation.
func (g *Gateway) EnableCredential(id string) error {
	return g.inner.EnableCredential(id)
}

// Close stops the health monitor and flushes usage persistence.
func (g *Gateway) Close() error {
	g.monitor.Stop()
	if g.sink != nil {
		return g.sink.Stop()
	}
	return nil
}

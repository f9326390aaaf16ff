// Package gateway wires the catalog, registry, selector and executor into
// the single entry point callers use: Call resolves a model, claims a
// credential and runs the request with credential failover.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openmux/modelgate/internal/catalog"
	"github.com/openmux/modelgate/internal/config"
	"github.com/openmux/modelgate/internal/executor"
	log "github.com/openmux/modelgate/internal/logging"
	"github.com/openmux/modelgate/internal/registry"
	"github.com/openmux/modelgate/internal/selector"
	"github.com/openmux/modelgate/internal/telemetry"
	"github.com/openmux/modelgate/internal/usage"
	"github.com/openmux/modelgate/internal/util"
)

// ErrNoCapacity means no credential could serve the request right now.
// Callers should back off and retry; nothing is wrong with the request.
var ErrNoCapacity = errors.New("gateway: no capacity available")

// ErrTimeout means the caller's deadline expired before any attempt
// sequence could finish.
var ErrTimeout = errors.New("gateway: request timed out")

// ConfigurationError marks caller mistakes that no retry can fix, like an
// unknown model name. Surfaced immediately.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "gateway: " + e.Reason
}

// Options shapes one Call.
type Options struct {
	// Model names a catalog entry explicitly. Empty means resolve by Tags.
	Model string
	// Tags are capability hints used when Model is empty.
	Tags []string
	// Priority selects the scoring weight set ("high", "low", "" = default).
	Priority string
	// MaxTokens caps the completion; clamped to the model's limit.
	MaxTokens int
	// Timeout bounds the whole call including failover. Zero uses the
	// configured request timeout.
	Timeout time.Duration
}

// Result is the successful outcome of a Call.
type Result struct {
	Content      []byte        `json:"-"`
	ModelUsed    string        `json:"model-used"`
	CredentialID string        `json:"credential-id"`
	TokensUsed   int64         `json:"tokens-used"`
	Cost         float64       `json:"cost"`
	Latency      time.Duration `json:"latency"`
}

// Gateway owns the full routing pipeline plus the shared concurrency bound.
type Gateway struct {
	catalog  *catalog.Catalog
	registry *registry.Registry
	selector *selector.Selector
	executor *executor.Executor
	recorder *telemetry.Recorder
	sink     usage.Sink

	inFlight *semaphore.Weighted
	failover int
	timeout  time.Duration
}

// New assembles a gateway from configuration. The usage sink may be nil.
func New(cfg *config.Config, sink usage.Sink) *Gateway {
	reg := registry.New(cfg.Credentials, cfg.Health)
	recorder := telemetry.NewRecorder(cfg.Telemetry.Capacity)
	return &Gateway{
		catalog:  catalog.New(cfg.Models),
		registry: reg,
		selector: selector.New(cfg.Scoring),
		executor: executor.New(cfg, reg, recorder),
		recorder: recorder,
		sink:     sink,
		inFlight: semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		failover: cfg.FailoverAttempts,
		timeout:  cfg.Retry.RequestTimeout.Std(),
	}
}

// Registry exposes the credential pool for the health monitor and the
// management API.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Models returns the catalog table for the management API.
func (g *Gateway) Models() []catalog.Model { return g.catalog.Models() }

// Call routes one request: resolve the model, pick and reserve a
// credential, execute with retry, and fail over to other credentials on
// throttling or persistent transient failure. At most FailoverAttempts
// distinct credentials are tried.
func (g *Gateway) Call(ctx context.Context, payload []byte, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := g.inFlight.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, ErrTimeout
		}
		return Result{}, fmt.Errorf("gateway: %w", err)
	}
	defer g.inFlight.Release(1)

	model, err := g.catalog.Resolve(opts.Model, opts.Tags, g.registry.ActiveCountByProvider())
	if err != nil {
		var unknown *catalog.ErrUnknownModel
		if errors.As(err, &unknown) {
			return Result{}, &ConfigurationError{Reason: err.Error()}
		}
		// No model with provider capacity matched the tags.
		return Result{}, ErrNoCapacity
	}

	// Reserve prompt estimate plus the completion ceiling; the commit
	// corrects to provider-reported usage.
	estimated := util.EstimateTokens(model.Name, payload)
	if opts.MaxTokens > 0 {
		estimated += int64(opts.MaxTokens)
	}
	req := executor.Request{
		Payload:         payload,
		MaxTokens:       opts.MaxTokens,
		EstimatedTokens: estimated,
	}

	tried := make(map[string]struct{}, g.failover)
	var lastErr *executor.Error
	for attempt := 0; attempt < g.failover; attempt++ {
		cred, pickErr := g.pick(model.Provider, opts.Priority, estimated, tried)
		if pickErr != nil {
			if lastErr != nil {
				return Result{}, lastErr
			}
			return Result{}, ErrNoCapacity
		}
		tried[cred.ID] = struct{}{}

		content, outcome, execErr := g.executor.Execute(ctx, model, cred, req)
		if g.sink != nil {
			g.sink.Enqueue(outcome)
		}
		if execErr == nil {
			return Result{
				Content:      content,
				ModelUsed:    model.Name,
				CredentialID: cred.ID,
				TokensUsed:   outcome.TokensUsed,
				Cost:         outcome.Cost,
				Latency:      outcome.Latency,
			}, nil
		}
		if !errors.As(execErr, &lastErr) {
			return Result{}, execErr
		}
		if ctx.Err() != nil {
			return Result{}, ErrTimeout
		}
		if !lastErr.Category.Failover() {
			return Result{}, lastErr
		}
		log.WithError(lastErr).Debugf("failing over from credential %s (%d/%d)", cred.ID, attempt+1, g.failover)
	}
	if lastErr != nil {
		return Result{}, lastErr
	}
	return Result{}, ErrNoCapacity
}

// pick reserves the best credential not yet tried by this call.
func (g *Gateway) pick(provider, priority string, estimated int64, tried map[string]struct{}) (registry.CredentialView, error) {
	if len(tried) == 0 {
		return g.selector.Pick(g.registry, provider, priority, estimated)
	}
	return g.selector.Pick(&excluding{reg: g.registry, skip: tried}, provider, priority, estimated)
}

// excluding filters already-tried credentials out of the candidate list so
// a failover attempt never lands on the credential that just failed.
type excluding struct {
	reg  *registry.Registry
	skip map[string]struct{}
}

func (e *excluding) ListCandidates(provider string) []registry.CredentialView {
	all := e.reg.ListCandidates(provider)
	out := all[:0]
	for _, view := range all {
		if _, seen := e.skip[view.ID]; !seen {
			out = append(out, view)
		}
	}
	return out
}

func (e *excluding) Reserve(id string, estimatedTokens int64) bool {
	return e.reg.Reserve(id, estimatedTokens)
}

// Stats aggregates recorded outcomes no older than window.
func (g *Gateway) Stats(window time.Duration) telemetry.Stats {
	return g.recorder.Aggregate(window)
}

// Credentials returns masked snapshots of the pool.
func (g *Gateway) Credentials() []registry.CredentialView {
	views := g.registry.Snapshot()
	for i := range views {
		views[i].Secret = ""
	}
	return views
}

// DisableCredential is the manual kill switch.
func (g *Gateway) DisableCredential(id string) error {
	if err := g.registry.Disable(id); err != nil {
		return err
	}
	log.Infof("credential %s disabled by operator", id)
	return nil
}

// EnableCredential manually reactivates a credential.
func (g *Gateway) EnableCredential(id string) error {
	if err := g.registry.Enable(id); err != nil {
		return err
	}
	log.Infof("credential %s enabled by operator", id)
	return nil
}

// ApplyConfig merges a reloaded configuration into the live registry.
// Only the credential pool is hot-reloadable; everything else needs a
// restart.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.registry.MergeConfig(cfg.Credentials)
	log.Info("configuration reload applied to credential pool")
}

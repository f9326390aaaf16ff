// Package registry owns the credential pool: static limits, live usage
// counters and the credential state machine. All mutation goes through
// Reserve/Commit/Release and the health transitions; callers never touch
// credential fields directly.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmux/modelgate/internal/config"
	log "github.com/openmux/modelgate/internal/logging"
)

// State is the lifecycle state of a credential.
type State string

const (
	StateActive        State = "active"
	StateRateLimited   State = "rate_limited"
	StateQuotaExceeded State = "quota_exceeded"
	StateError         State = "error"
	StateDisabled      State = "disabled"
)

// ErrNotFound is returned for operations on unknown credential ids.
var ErrNotFound = errors.New("registry: credential not found")

// emaAlpha is the smoothing factor for the mean latency estimate.
const emaAlpha = 0.2

// credential is the registry-private mutable record. Its mutex guards every
// field below it; the registry map itself is guarded separately so
// operations on different credentials proceed in parallel.
type credential struct {
	mu sync.Mutex

	id       string
	provider string
	secret   string
	baseURL  string

	rateLimitPerMinute int
	dailyQuotaTokens   int64

	state                State
	stateChangedAt       time.Time
	tokensUsedToday      int64
	reservedTokens       int64
	requestsThisMinute   int
	windowStartedAt      time.Time
	dayStartedAt         time.Time
	lastUsedAt           time.Time
	consecutiveErrors    int
	consecutiveSuccesses int
	meanLatency          time.Duration
	inFlight             int
	totalCalls           int64
	totalSuccesses       int64
}

// CredentialView is an immutable snapshot handed to the selector and
// executor. Secret and BaseURL ride along so the executor never reaches
// back into registry internals.
type CredentialView struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Secret   string `json:"-"`
	BaseURL  string `json:"base-url,omitempty"`

	State                State         `json:"state"`
	RateLimitPerMinute   int           `json:"rate-limit-per-minute"`
	DailyQuotaTokens     int64         `json:"daily-quota-tokens"`
	TokensUsedToday      int64         `json:"tokens-used-today"`
	RemainingThisMinute  int           `json:"remaining-this-minute"`
	MeanLatency          time.Duration `json:"mean-latency"`
	SuccessRate          float64       `json:"success-rate"`
	Load                 float64       `json:"load"`
	ConsecutiveErrors    int           `json:"consecutive-errors"`
	ConsecutiveSuccesses int           `json:"consecutive-successes"`
	LastUsedAt           time.Time     `json:"last-used-at"`
}

// Commit carries the true outcome of one physical call attempt.
type Commit struct {
	// EstimatedTokens is the reservation made before the call sequence.
	EstimatedTokens int64
	// Release marks the final attempt of a logical call: the reservation
	// and in-flight claim are returned. Intermediate retry attempts commit
	// usage and state but keep the claim.
	Release bool
	// ActualTokens is the usage reported by the provider.
	ActualTokens int64
	Success      bool
	Latency      time.Duration
	// RateLimited marks a 429-equivalent response; quota is not consumed.
	RateLimited bool
	// QuotaExhausted marks a provider-reported quota exhaustion.
	QuotaExhausted bool
}

// Registry is the concurrency-safe credential pool.
type Registry struct {
	mu    sync.RWMutex
	creds map[string]*credential

	rateLimitWindow time.Duration
	quotaWindow     time.Duration
	errorThreshold  int
	errorCooldown   time.Duration

	now func() time.Time
}

// New builds a registry from configuration. Credentials without an id get
// a generated one.
func New(creds []config.CredentialConfig, health config.HealthConfig) *Registry {
	r := &Registry{
		creds:           make(map[string]*credential, len(creds)),
		rateLimitWindow: health.RateLimitWindow.Std(),
		quotaWindow:     health.QuotaWindow.Std(),
		errorThreshold:  health.ErrorThreshold,
		errorCooldown:   health.ErrorCooldown.Std(),
		now:             time.Now,
	}
	now := r.now()
	for i := range creds {
		cc := creds[i]
		id := cc.ID
		if id == "" {
			id = uuid.NewString()
		}
		state := StateActive
		if cc.Disabled {
			state = StateDisabled
		}
		r.creds[id] = &credential{
			id:                 id,
			provider:           strings.ToLower(cc.Provider),
			secret:             cc.APIKey,
			baseURL:            cc.BaseURL,
			rateLimitPerMinute: cc.RateLimitPerMinute,
			dailyQuotaTokens:   cc.DailyQuotaTokens,
			state:              state,
			stateChangedAt:     now,
			windowStartedAt:    now,
			dayStartedAt:       now,
		}
	}
	return r
}

// ListCandidates returns snapshots of ACTIVE credentials for the provider
// with remaining per-minute budget, sorted by id for determinism.
// DISABLED credentials and zero-rate-limit credentials never appear.
func (r *Registry) ListCandidates(provider string) []CredentialView {
	provider = strings.ToLower(strings.TrimSpace(provider))
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]CredentialView, 0, len(r.creds))
	for _, cred := range r.creds {
		if cred.provider != provider {
			continue
		}
		cred.mu.Lock()
		cred.rollWindows(now, r.rateLimitWindow, r.quotaWindow)
		if cred.state == StateActive && cred.remainingThisMinute() > 0 {
			views = append(views, cred.view())
		}
		cred.mu.Unlock()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// ActiveCountByProvider reports how many ACTIVE, selectable credentials
// each provider currently has. The catalog uses it to skip providers with
// no capacity when resolving by capability.
func (r *Registry) ActiveCountByProvider() map[string]int {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, cred := range r.creds {
		cred.mu.Lock()
		cred.rollWindows(now, r.rateLimitWindow, r.quotaWindow)
		if cred.state == StateActive && cred.remainingThisMinute() > 0 {
			counts[cred.provider]++
		}
		cred.mu.Unlock()
	}
	return counts
}

// Reserve makes a fail-fast claim on the credential's budget for an
// upcoming call. It never blocks; false means the caller should try
// another credential.
func (r *Registry) Reserve(id string, estimatedTokens int64) bool {
	cred := r.get(id)
	if cred == nil {
		return false
	}
	now := r.now()

	cred.mu.Lock()
	defer cred.mu.Unlock()

	cred.rollWindows(now, r.rateLimitWindow, r.quotaWindow)
	if cred.state != StateActive {
		return false
	}
	if cred.remainingThisMinute() <= 0 {
		return false
	}
	if cred.dailyQuotaTokens > 0 && cred.tokensUsedToday+cred.reservedTokens+estimatedTokens > cred.dailyQuotaTokens {
		return false
	}
	cred.requestsThisMinute++
	cred.reservedTokens += estimatedTokens
	cred.inFlight++
	return true
}

// Release drops a reservation that never reached ApplyCommit, so failed
// selection paths cannot leak quota.
func (r *Registry) Release(id string, estimatedTokens int64) {
	cred := r.get(id)
	if cred == nil {
		return
	}
	cred.mu.Lock()
	defer cred.mu.Unlock()
	cred.reservedTokens -= estimatedTokens
	if cred.reservedTokens < 0 {
		cred.reservedTokens = 0
	}
	if cred.inFlight > 0 {
		cred.inFlight--
	}
}

// ApplyCommit applies the true usage of one physical attempt: counters,
// latency EMA and the executor-driven state transitions.
func (r *Registry) ApplyCommit(id string, c Commit) error {
	cred := r.get(id)
	if cred == nil {
		return ErrNotFound
	}
	now := r.now()

	cred.mu.Lock()
	defer cred.mu.Unlock()

	cred.rollWindows(now, r.rateLimitWindow, r.quotaWindow)

	if c.Release {
		cred.reservedTokens -= c.EstimatedTokens
		if cred.reservedTokens < 0 {
			cred.reservedTokens = 0
		}
		if cred.inFlight > 0 {
			cred.inFlight--
		}
	}
	cred.lastUsedAt = now
	cred.totalCalls++

	if c.Latency > 0 {
		if cred.meanLatency == 0 {
			cred.meanLatency = c.Latency
		} else {
			cred.meanLatency = time.Duration((1-emaAlpha)*float64(cred.meanLatency) + emaAlpha*float64(c.Latency))
		}
	}

	switch {
	case c.Success:
		cred.totalSuccesses++
		cred.consecutiveSuccesses++
		cred.consecutiveErrors = 0
		cred.tokensUsedToday += c.ActualTokens
		if cred.dailyQuotaTokens > 0 && cred.tokensUsedToday > cred.dailyQuotaTokens {
			// Actual usage can overshoot the estimate on the final call of
			// the window; clamp so the invariant holds for quota checks.
			cred.tokensUsedToday = cred.dailyQuotaTokens
			cred.transition(StateQuotaExceeded, now)
		}
	case c.RateLimited:
		cred.consecutiveSuccesses = 0
		cred.transition(StateRateLimited, now)
	case c.QuotaExhausted:
		cred.consecutiveSuccesses = 0
		cred.transition(StateQuotaExceeded, now)
	default:
		cred.consecutiveErrors++
		cred.consecutiveSuccesses = 0
		if cred.consecutiveErrors > r.errorThreshold && cred.consecutiveErrors > cred.consecutiveSuccesses {
			cred.transition(StateError, now)
		}
	}
	return nil
}

// Disable is the manual administrative kill switch. DISABLED has no
// automatic outgoing transition.
func (r *Registry) Disable(id string) error {
	cred := r.get(id)
	if cred == nil {
		return ErrNotFound
	}
	cred.mu.Lock()
	defer cred.mu.Unlock()
	cred.transition(StateDisabled, r.now())
	return nil
}

// Enable manually returns a credential to ACTIVE and clears error counters.
func (r *Registry) Enable(id string) error {
	cred := r.get(id)
	if cred == nil {
		return ErrNotFound
	}
	cred.mu.Lock()
	defer cred.mu.Unlock()
	cred.consecutiveErrors = 0
	cred.transition(StateActive, r.now())
	return nil
}

// Snapshot returns views of every credential, sorted by id. Used by the
// management API and the health monitor.
func (r *Registry) Snapshot() []CredentialView {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]CredentialView, 0, len(r.creds))
	for _, cred := range r.creds {
		cred.mu.Lock()
		cred.rollWindows(now, r.rateLimitWindow, r.quotaWindow)
		views = append(views, cred.view())
		cred.mu.Unlock()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// PromoteRecoverable applies the time-based recovery transitions for one
// credential, compare-and-swapped on the state observed by the caller.
// It never moves a credential to a worse state. Returns the state after
// the check and whether a transition happened.
func (r *Registry) PromoteRecoverable(id string, observed State) (State, bool) {
	cred := r.get(id)
	if cred == nil {
		return "", false
	}
	now := r.now()

	cred.mu.Lock()
	defer cred.mu.Unlock()

	// CAS on the observed state: a concurrent commit moved it, skip.
	if cred.state != observed {
		return cred.state, false
	}

	switch cred.state {
	case StateRateLimited:
		if cred.lastUsedAt.IsZero() || now.Sub(cred.lastUsedAt) >= r.rateLimitWindow {
			cred.transition(StateActive, now)
			return StateActive, true
		}
	case StateQuotaExceeded:
		if now.Sub(cred.dayStartedAt) >= r.quotaWindow {
			cred.rollWindows(now, r.rateLimitWindow, r.quotaWindow)
			cred.transition(StateActive, now)
			return StateActive, true
		}
	case StateError:
		if now.Sub(cred.stateChangedAt) >= r.errorCooldown && cred.consecutiveSuccesses >= cred.consecutiveErrors {
			cred.consecutiveErrors = 0
			cred.transition(StateActive, now)
			return StateActive, true
		}
	}
	return cred.state, false
}

// MergeConfig applies a reloaded credential list: new entries are added,
// removed ids are dropped, and static limits of surviving entries are
// refreshed without disturbing live usage counters or state.
func (r *Registry) MergeConfig(creds []config.CredentialConfig) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[string]struct{}, len(creds))
	for i := range creds {
		cc := creds[i]
		id := cc.ID
		if id == "" {
			id = uuid.NewString()
		}
		keep[id] = struct{}{}
		if existing, ok := r.creds[id]; ok {
			existing.mu.Lock()
			existing.secret = cc.APIKey
			existing.baseURL = cc.BaseURL
			existing.rateLimitPerMinute = cc.RateLimitPerMinute
			existing.dailyQuotaTokens = cc.DailyQuotaTokens
			existing.mu.Unlock()
			continue
		}
		state := StateActive
		if cc.Disabled {
			state = StateDisabled
		}
		r.creds[id] = &credential{
			id:                 id,
			provider:           strings.ToLower(cc.Provider),
			secret:             cc.APIKey,
			baseURL:            cc.BaseURL,
			rateLimitPerMinute: cc.RateLimitPerMinute,
			dailyQuotaTokens:   cc.DailyQuotaTokens,
			state:              state,
			stateChangedAt:     now,
			windowStartedAt:    now,
			dayStartedAt:       now,
		}
		log.Infof("registry: added credential %s (%s, key %s)", id, cc.Provider, log.MaskSecret(cc.APIKey))
	}
	for id := range r.creds {
		if _, ok := keep[id]; !ok {
			delete(r.creds, id)
			log.Infof("registry: removed credential %s", id)
		}
	}
}

func (r *Registry) get(id string) *credential {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creds[id]
}

// setClock overrides the time source; used by tests.
func (r *Registry) setClock(now func() time.Time) {
	r.now = now
}

func (c *credential) remainingThisMinute() int {
	remaining := c.rateLimitPerMinute - c.requestsThisMinute
	if remaining < 0 {
		return 0
	}
	return remaining
}

// rollWindows lazily resets the per-minute and daily windows. The daily
// rollover also clears tokens_used_today exactly once per window.
func (c *credential) rollWindows(now time.Time, rateWindow, quotaWindow time.Duration) {
	if now.Sub(c.windowStartedAt) >= rateWindow {
		c.windowStartedAt = now
		c.requestsThisMinute = 0
	}
	if now.Sub(c.dayStartedAt) >= quotaWindow {
		c.dayStartedAt = now
		c.tokensUsedToday = 0
	}
}

func (c *credential) transition(to State, now time.Time) {
	if c.state == to {
		return
	}
	c.state = to
	c.stateChangedAt = now
}

func (c *credential) view() CredentialView {
	successRate := 1.0
	if c.totalCalls > 0 {
		successRate = float64(c.totalSuccesses) / float64(c.totalCalls)
	}
	load := 0.0
	if c.rateLimitPerMinute > 0 {
		load = float64(c.requestsThisMinute) / float64(c.rateLimitPerMinute)
	}
	return CredentialView{
		ID:                   c.id,
		Provider:             c.provider,
		Secret:               c.secret,
		BaseURL:              c.baseURL,
		State:                c.state,
		RateLimitPerMinute:   c.rateLimitPerMinute,
		DailyQuotaTokens:     c.dailyQuotaTokens,
		TokensUsedToday:      c.tokensUsedToday,
		RemainingThisMinute:  c.remainingThisMinute(),
		MeanLatency:          c.meanLatency,
		SuccessRate:          successRate,
		Load:                 load,
		ConsecutiveErrors:    c.consecutiveErrors,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
		LastUsedAt:           c.lastUsedAt,
	}
}

// Package telemetry keeps a bounded in-memory history of call outcomes and
// serves windowed aggregate queries over it.
package telemetry

import (
	"sync"
	"time"
)

// Outcome is one immutable per-call record. Never mutated after Record.
type Outcome struct {
	CredentialID string        `json:"credential-id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Success      bool          `json:"success"`
	Latency      time.Duration `json:"latency"`
	TokensUsed   int64         `json:"tokens-used"`
	Cost         float64       `json:"cost"`
	ErrorKind    string        `json:"error-kind,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ProviderStats is the per-provider slice of an aggregate.
type ProviderStats struct {
	Calls      int64         `json:"calls"`
	Successes  int64         `json:"successes"`
	AvgLatency time.Duration `json:"avg-latency"`
	TotalCost  float64       `json:"total-cost"`
	Tokens     int64         `json:"tokens"`
}

// Stats is the result of an Aggregate query.
type Stats struct {
	Window      time.Duration            `json:"window"`
	Calls       int64                    `json:"calls"`
	SuccessRate float64                  `json:"success-rate"`
	AvgLatency  time.Duration            `json:"avg-latency"`
	TotalCost   float64                  `json:"total-cost"`
	TotalTokens int64                    `json:"total-tokens"`
	PerProvider map[string]ProviderStats `json:"per-provider"`
}

// DefaultCapacity bounds the ring when the configured capacity is zero.
const DefaultCapacity = 10000

// Recorder is a fixed-capacity ring of outcomes. Record never fails:
// when full, the oldest entry is silently evicted.
type Recorder struct {
	mu   sync.RWMutex
	ring []Outcome
	next int
	size int

	now func() time.Time
}

// NewRecorder builds a recorder holding at most capacity outcomes.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{ring: make([]Outcome, capacity), now: time.Now}
}

// Record appends an outcome, evicting the oldest when full.
func (r *Recorder) Record(outcome Outcome) {
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = r.now()
	}
	r.mu.Lock()
	r.ring[r.next] = outcome
	r.next = (r.next + 1) % len(r.ring)
	if r.size < len(r.ring) {
		r.size++
	}
	r.mu.Unlock()
}

// Len reports how many outcomes are currently retained.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Aggregate computes statistics over outcomes no older than window.
// A zero window aggregates everything retained.
func (r *Recorder) Aggregate(window time.Duration) Stats {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = r.now().Add(-window)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Window: window, PerProvider: make(map[string]ProviderStats)}
	var (
		successes    int64
		totalLatency time.Duration
	)
	for i := 0; i < r.size; i++ {
		// Oldest-first walk of the ring.
		idx := (r.next - r.size + i + len(r.ring)) % len(r.ring)
		outcome := r.ring[idx]
		if !cutoff.IsZero() && outcome.Timestamp.Before(cutoff) {
			continue
		}
		stats.Calls++
		totalLatency += outcome.Latency
		stats.TotalCost += outcome.Cost
		stats.TotalTokens += outcome.TokensUsed
		if outcome.Success {
			successes++
		}

		ps := stats.PerProvider[outcome.Provider]
		ps.Calls++
		ps.TotalCost += outcome.Cost
		ps.Tokens += outcome.TokensUsed
		if outcome.Success {
			ps.Successes++
		}
		// Store the running latency sum; averaged below.
		ps.AvgLatency += outcome.Latency
		stats.PerProvider[outcome.Provider] = ps
	}

	if stats.Calls > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.Calls)
		stats.AvgLatency = totalLatency / time.Duration(stats.Calls)
	}
	for provider, ps := range stats.PerProvider {
		if ps.Calls > 0 {
			ps.AvgLatency /= time.Duration(ps.Calls)
			stats.PerProvider[provider] = ps
		}
	}
	return stats
}

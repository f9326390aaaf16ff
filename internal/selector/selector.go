// Package selector scores credential candidates and claims one via
// registry reservation. Scoring is data-driven from config so weights can
// be tuned per request priority without touching code.
package selector

import (
	"errors"
	"sort"
	"time"

	"github.com/openmux/modelgate/internal/config"
	"github.com/openmux/modelgate/internal/registry"
)

// ErrNoCapacity means every candidate refused the reservation. This is a
// normal condition under load; callers retry later or fail the request.
var ErrNoCapacity = errors.New("selector: no credential capacity")

// Reserver is the slice of the registry the selector needs.
type Reserver interface {
	ListCandidates(provider string) []registry.CredentialView
	Reserve(id string, estimatedTokens int64) bool
}

// Selector ranks and reserves credentials.
type Selector struct {
	scoring config.ScoringConfig
}

// New builds a selector with the configured weight table.
func New(scoring config.ScoringConfig) *Selector {
	return &Selector{scoring: scoring}
}

// Pick chooses the best-scoring ACTIVE credential for the provider and
// reserves estimatedTokens on it. Candidates that refuse the reservation
// are dropped and the next-best is tried until the list is exhausted.
func (s *Selector) Pick(reg Reserver, provider, priority string, estimatedTokens int64) (registry.CredentialView, error) {
	candidates := reg.ListCandidates(provider)
	if len(candidates) == 0 {
		return registry.CredentialView{}, ErrNoCapacity
	}

	weights := s.scoring.ForPriority(priority)
	ranked := rank(candidates, weights)

	for _, candidate := range ranked {
		if reg.Reserve(candidate.ID, estimatedTokens) {
			return candidate, nil
		}
	}
	return registry.CredentialView{}, ErrNoCapacity
}

type scoredView struct {
	view  registry.CredentialView
	score float64
}

// rank orders candidates by descending score; equal scores break by
// lowest id so selection is deterministic for a given snapshot.
func rank(candidates []registry.CredentialView, w config.ScoringWeights) []registry.CredentialView {
	scored := make([]scoredView, len(candidates))
	for i, view := range candidates {
		scored[i] = scoredView{view: view, score: Score(view, w)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].view.ID < scored[j].view.ID
	})
	out := make([]registry.CredentialView, len(scored))
	for i := range scored {
		out[i] = scored[i].view
	}
	return out
}

// Score computes w.Latency*(1/meanLatency) + w.Success*successRate -
// w.Load*load. A credential with no latency history scores as if it
// answered in one second so new credentials are neither favored nor
// starved.
func Score(view registry.CredentialView, w config.ScoringWeights) float64 {
	latency := view.MeanLatency
	if latency <= 0 {
		latency = time.Second
	}
	invLatency := float64(time.Second) / float64(latency)
	return w.Latency*invLatency + w.Success*view.SuccessRate - w.Load*view.Load
}

// Package catalog holds the static model table and the deterministic
// resolution heuristic that maps request hints to a model.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openmux/modelgate/internal/config"
)

// Model is one immutable catalog entry.
type Model struct {
	Name         string   `json:"name"`
	Provider     string   `json:"provider"`
	MaxTokens    int      `json:"max-tokens"`
	CostPerToken float64  `json:"cost-per-token"`
	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the model advertises the tag.
func (m Model) HasCapability(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, c := range m.Capabilities {
		if strings.ToLower(c) == tag {
			return true
		}
	}
	return false
}

// ErrUnknownModel is returned for an explicit model name not in the table.
type ErrUnknownModel struct {
	Name string
}

func (e *ErrUnknownModel) Error() string {
	return fmt.Sprintf("catalog: unknown model %q", e.Name)
}

// ErrNoMatch is returned when no model satisfies the requested tags with
// provider capacity available.
type ErrNoMatch struct {
	Tags []string
}

func (e *ErrNoMatch) Error() string {
	if len(e.Tags) == 0 {
		return "catalog: no model available"
	}
	return fmt.Sprintf("catalog: no model matches tags %v", e.Tags)
}

// Catalog is the immutable model table, built once at startup.
type Catalog struct {
	byName map[string]Model
	models []Model
}

// New builds a catalog from configuration.
func New(models []config.ModelConfig) *Catalog {
	c := &Catalog{byName: make(map[string]Model, len(models))}
	for _, mc := range models {
		model := Model{
			Name:         mc.Name,
			Provider:     strings.ToLower(mc.Provider),
			MaxTokens:    mc.MaxTokens,
			CostPerToken: mc.CostPerToken,
			Capabilities: append([]string(nil), mc.Capabilities...),
		}
		c.byName[model.Name] = model
		c.models = append(c.models, model)
	}
	sort.Slice(c.models, func(i, j int) bool { return c.models[i].Name < c.models[j].Name })
	return c
}

// Lookup returns the model by exact name.
func (c *Catalog) Lookup(name string) (Model, bool) {
	m, ok := c.byName[name]
	return m, ok
}

// Models returns the full table in name order.
func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// Resolve picks a model. An explicit name must exist, otherwise the
// request's intent tags are scored against each model's capabilities.
// Ties break by lowest cost per token, then by name. Models whose provider
// has zero active credentials (per activeByProvider) are skipped during
// tag resolution; an explicit name bypasses the capacity check so the
// caller surfaces NoCapacity instead of a resolution error.
//
// Resolve is pure given its arguments; it reads no registry state itself.
func (c *Catalog) Resolve(name string, tags []string, activeByProvider map[string]int) (Model, error) {
	if name = strings.TrimSpace(name); name != "" {
		model, ok := c.byName[name]
		if !ok {
			return Model{}, &ErrUnknownModel{Name: name}
		}
		return model, nil
	}

	var (
		best      Model
		bestScore = -1
	)
	for _, model := range c.models {
		if activeByProvider[model.Provider] == 0 {
			continue
		}
		score := 0
		for _, tag := range tags {
			if model.HasCapability(tag) {
				score++
			}
		}
		if len(tags) > 0 && score == 0 {
			continue
		}
		switch {
		case score > bestScore:
			best, bestScore = model, score
		case score == bestScore && bestScore >= 0:
			if model.CostPerToken < best.CostPerToken ||
				(model.CostPerToken == best.CostPerToken && model.Name < best.Name) {
				best = model
			}
		}
	}
	if bestScore < 0 {
		return Model{}, &ErrNoMatch{Tags: tags}
	}
	return best, nil
}

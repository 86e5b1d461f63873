// Package router selects (provider, model) pairs per task and wraps the
// selection in a fallback chain that survives transient provider failures.
package router

import (
	"strings"

	"github.com/kestrelbot/kestrel/internal/providers"
)

// Complexity classifies the task for model selection.
type Complexity string

const (
	Simple    Complexity = "simple"
	Moderate  Complexity = "moderate"
	Complex   Complexity = "complex"
	Summarize Complexity = "summarize"
)

// Route is one (provider, model) selection.
type Route struct {
	Provider   providers.Provider
	ProviderID string
	Model      string
}

// Options configures the model router from the routing section of the
// config file. Rankings list provider ids, best-fit first.
type Options struct {
	DefaultProvider     string
	DefaultModel        string
	Failover            []string
	CostRank            []string
	QualityRank         []string
	CheapModelHints     []string
	ReasoningModelHints []string
}

// ModelRouter picks (provider, model) pairs by task complexity.
// Cost and quality orderings are independent configuration lists.
type ModelRouter struct {
	registry *providers.Registry
	opts     Options
}

func NewModelRouter(registry *providers.Registry, opts Options) *ModelRouter {
	return &ModelRouter{registry: registry, opts: opts}
}

// Route selects the (provider, model) for a complexity class. Returns
// nil when no provider is usable.
func (r *ModelRouter) Route(complexity Complexity) *Route {
	usable := r.registry.Usable()
	if len(usable) == 0 {
		return nil
	}

	// A single configured provider serves every class.
	if len(usable) == 1 {
		return r.routeFor(usable[0], nil)
	}

	switch complexity {
	case Simple, Summarize:
		if d := r.pickRanked(r.opts.CostRank, usable); d != nil {
			return r.routeFor(*d, r.opts.CheapModelHints)
		}
	case Complex:
		if d := r.pickRanked(r.opts.QualityRank, usable); d != nil {
			return r.routeFor(*d, r.opts.ReasoningModelHints)
		}
	}

	// Moderate, or no ranking configured: the default provider/model.
	if d := r.descriptorByID(r.opts.DefaultProvider, usable); d != nil {
		route := r.routeFor(*d, nil)
		if route != nil && r.opts.DefaultModel != "" {
			route.Model = r.opts.DefaultModel
		}
		return route
	}
	return r.routeFor(usable[0], nil)
}

// Candidates returns the ordered fallback chain for one call: the
// preferred route first, then the configured failover providers in
// declared order, then the remaining usable providers by priority,
// each with its first advertised model.
func (r *ModelRouter) Candidates(preferred *Route) []Route {
	usable := r.registry.Usable()

	var out []Route
	seen := make(map[string]bool)
	if preferred != nil {
		out = append(out, *preferred)
		seen[preferred.ProviderID] = true
	}
	for _, id := range r.opts.Failover {
		d := r.descriptorByID(id, usable)
		if d == nil || seen[d.ID] {
			continue
		}
		if route := r.routeFor(*d, nil); route != nil {
			out = append(out, *route)
			seen[d.ID] = true
		}
	}
	for _, d := range usable {
		if seen[d.ID] {
			continue
		}
		if route := r.routeFor(d, nil); route != nil {
			out = append(out, *route)
		}
	}
	return out
}

// pickRanked returns the first usable descriptor in ranking order.
func (r *ModelRouter) pickRanked(rank []string, usable []providers.Descriptor) *providers.Descriptor {
	for _, id := range rank {
		if d := r.descriptorByID(id, usable); d != nil {
			return d
		}
	}
	return nil
}

func (r *ModelRouter) descriptorByID(id string, usable []providers.Descriptor) *providers.Descriptor {
	for i := range usable {
		if usable[i].ID == id {
			return &usable[i]
		}
	}
	return nil
}

// routeFor resolves a descriptor into a Route, matching the provider's
// model list against hint substrings; first model wins when no hint
// matches.
func (r *ModelRouter) routeFor(d providers.Descriptor, hints []string) *Route {
	p, err := r.registry.Get(d.ID)
	if err != nil {
		return nil
	}

	model := matchModel(d.Models, hints)
	if model == "" {
		model = p.DefaultModel()
	}
	return &Route{Provider: p, ProviderID: d.ID, Model: model}
}

func matchModel(models, hints []string) string {
	for _, hint := range hints {
		for _, m := range models {
			if strings.Contains(strings.ToLower(m), strings.ToLower(hint)) {
				return m
			}
		}
	}
	if len(models) > 0 {
		return models[0]
	}
	return ""
}

package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Descriptor is the registry's view of one configured provider.
type Descriptor struct {
	ID             string   `json:"id"`
	Endpoint       string   `json:"endpoint,omitempty"`
	Models         []string `json:"models,omitempty"`
	Priority       int      `json:"priority"`
	NoAuth         bool     `json:"no_auth,omitempty"`
	HasCredentials bool     `json:"has_credentials"`
}

// Available reports whether the provider can actually serve calls:
// it either has credentials or explicitly needs none.
func (d Descriptor) Available() bool {
	return d.HasCredentials || d.NoAuth
}

// Registry holds the configured providers and their metadata. Providers
// without credentials stay registered (so they can be listed and
// diagnosed) but are excluded from routing candidates.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	descriptors map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		descriptors: make(map[string]Descriptor),
	}
}

// Register adds a provider with its descriptor. Re-registering an id
// replaces the previous entry with a warning.
func (r *Registry) Register(p Provider, desc Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[desc.ID]; exists {
		slog.Warn("provider re-registered", "provider", desc.ID)
	}
	r.providers[desc.ID] = p
	r.descriptors[desc.ID] = desc
}

// Get returns the provider for an id, or an error when unknown or
// lacking credentials.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", id)
	}
	if !r.descriptors[id].Available() {
		return nil, fmt.Errorf("provider %q has no credentials", id)
	}
	return p, nil
}

// Descriptor returns the metadata for an id.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// List returns all descriptors sorted by priority (ascending) then id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Usable returns the descriptors eligible for routing, in priority order.
func (r *Registry) Usable() []Descriptor {
	all := r.List()
	out := all[:0:0]
	for _, d := range all {
		if d.Available() {
			out = append(out, d)
		}
	}
	return out
}

// ModelsOf returns the model list declared for a provider id.
func (r *Registry) ModelsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	if !ok {
		return nil
	}
	models := make([]string, len(d.Models))
	copy(models, d.Models)
	return models
}

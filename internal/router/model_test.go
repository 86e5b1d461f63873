package router

import (
	"context"
	"sync"
	"testing"

	"github.com/kestrelbot/kestrel/internal/providers"
)

// fakeProvider lets tests script per-call responses and errors.
type fakeProvider struct {
	name  string
	model string

	mu    sync.Mutex
	calls int
	reply func(call int) (*providers.ChatResponse, error)
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.reply != nil {
		return f.reply(call)
	}
	return &providers.ChatResponse{Content: "from " + f.name}, nil
}
func (f *fakeProvider) DefaultModel() string { return f.model }
func (f *fakeProvider) Name() string         { return f.name }

func newTestRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	reg := providers.NewRegistry()
	reg.Register(&fakeProvider{name: "cheap", model: "haiku-3"}, providers.Descriptor{
		ID: "cheap", Models: []string{"haiku-3", "sonnet-4"}, Priority: 2, HasCredentials: true,
	})
	reg.Register(&fakeProvider{name: "smart", model: "opus-4"}, providers.Descriptor{
		ID: "smart", Models: []string{"opus-4", "sonnet-4"}, Priority: 1, HasCredentials: true,
	})
	return reg
}

func TestRouteByComplexity(t *testing.T) {
	reg := newTestRegistry(t)
	r := NewModelRouter(reg, Options{
		DefaultProvider:     "smart",
		DefaultModel:        "sonnet-4",
		CostRank:            []string{"cheap", "smart"},
		QualityRank:         []string{"smart", "cheap"},
		CheapModelHints:     []string{"haiku"},
		ReasoningModelHints: []string{"opus"},
	})

	tests := []struct {
		name         string
		complexity   Complexity
		wantProvider string
		wantModel    string
	}{
		{"simple goes cheap", Simple, "cheap", "haiku-3"},
		{"summarize goes cheap", Summarize, "cheap", "haiku-3"},
		{"complex goes quality", Complex, "smart", "opus-4"},
		{"moderate uses default", Moderate, "smart", "sonnet-4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := r.Route(tt.complexity)
			if route == nil {
				t.Fatal("Route returned nil")
			}
			if route.ProviderID != tt.wantProvider {
				t.Errorf("provider = %s, want %s", route.ProviderID, tt.wantProvider)
			}
			if route.Model != tt.wantModel {
				t.Errorf("model = %s, want %s", route.Model, tt.wantModel)
			}
		})
	}
}

// TestRouteSingleProvider verifies the single-provider short circuit:
// every complexity class lands on the only configured provider.
func TestRouteSingleProvider(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(&fakeProvider{name: "only", model: "m"}, providers.Descriptor{
		ID: "only", Models: []string{"m"}, HasCredentials: true,
	})
	r := NewModelRouter(reg, Options{DefaultProvider: "elsewhere"})

	for _, c := range []Complexity{Simple, Moderate, Complex, Summarize} {
		route := r.Route(c)
		if route == nil || route.ProviderID != "only" {
			t.Errorf("Route(%s) = %+v, want provider only", c, route)
		}
	}
}

func TestRouteNoProviders(t *testing.T) {
	r := NewModelRouter(providers.NewRegistry(), Options{})
	if route := r.Route(Moderate); route != nil {
		t.Errorf("expected nil route, got %+v", route)
	}
}

func TestCandidatesChain(t *testing.T) {
	reg := newTestRegistry(t)
	r := NewModelRouter(reg, Options{DefaultProvider: "cheap"})

	preferred := r.Route(Moderate)
	if preferred == nil || preferred.ProviderID != "cheap" {
		t.Fatalf("preferred = %+v", preferred)
	}

	chain := r.Candidates(preferred)
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0].ProviderID != "cheap" || chain[1].ProviderID != "smart" {
		t.Errorf("chain order = [%s %s], want [cheap smart]", chain[0].ProviderID, chain[1].ProviderID)
	}
}

// TestCandidatesFailoverOrder verifies the configured failover list
// outranks registry priority in the fallback chain.
func TestCandidatesFailoverOrder(t *testing.T) {
	reg := providers.NewRegistry()
	for i, id := range []string{"p1", "p2", "p3"} {
		reg.Register(&fakeProvider{name: id, model: "m-" + id}, providers.Descriptor{
			ID: id, Models: []string{"m-" + id}, Priority: i + 1, HasCredentials: true,
		})
	}
	r := NewModelRouter(reg, Options{
		DefaultProvider: "p1",
		Failover:        []string{"p3", "unknown"},
	})

	chain := r.Candidates(r.Route(Moderate))
	var got []string
	for _, c := range chain {
		got = append(got, c.ProviderID)
	}
	want := []string{"p1", "p3", "p2"}
	if len(got) != len(want) {
		t.Fatalf("chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chain = %v, want %v", got, want)
		}
	}
}

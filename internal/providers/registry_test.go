package providers

import (
	"context"
	"testing"
)

type stubProvider struct {
	name  string
	model string
}

func (s *stubProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: "ok"}, nil
}
func (s *stubProvider) DefaultModel() string { return s.model }
func (s *stubProvider) Name() string         { return s.name }

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{name: "a", model: "m1"}, Descriptor{ID: "a", HasCredentials: true})
	r.Register(&stubProvider{name: "b", model: "m2"}, Descriptor{ID: "b"})

	if _, err := r.Get("a"); err != nil {
		t.Errorf("Get(a): %v", err)
	}
	if _, err := r.Get("b"); err == nil {
		t.Error("Get(b) should fail: no credentials")
	}
	if _, err := r.Get("missing"); err == nil {
		t.Error("Get(missing) should fail")
	}
}

func TestRegistryNoAuthIsUsable(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{name: "local"}, Descriptor{ID: "local", NoAuth: true})

	if _, err := r.Get("local"); err != nil {
		t.Errorf("Get(local): %v", err)
	}
	if got := len(r.Usable()); got != 1 {
		t.Errorf("Usable() = %d entries, want 1", got)
	}
}

func TestRegistryListOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{name: "z"}, Descriptor{ID: "z", Priority: 1, HasCredentials: true})
	r.Register(&stubProvider{name: "a"}, Descriptor{ID: "a", Priority: 2, HasCredentials: true})
	r.Register(&stubProvider{name: "m"}, Descriptor{ID: "m", Priority: 1, HasCredentials: true})

	list := r.List()
	want := []string{"m", "z", "a"}
	for i, d := range list {
		if d.ID != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, d.ID, want[i])
		}
	}
}

func TestRegistryUsableExcludesUnavailable(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{name: "good"}, Descriptor{ID: "good", HasCredentials: true})
	r.Register(&stubProvider{name: "bad"}, Descriptor{ID: "bad"})

	usable := r.Usable()
	if len(usable) != 1 || usable[0].ID != "good" {
		t.Errorf("Usable() = %v, want only good", usable)
	}
}

package tools

import (
	"context"
	"strings"
	"testing"
)

// scriptedTool is a minimal Tool whose Execute is injected per test.
type scriptedTool struct {
	name string
	desc string
	run  func(ctx context.Context, args map[string]any) *Result
}

func (t *scriptedTool) Name() string        { return t.name }
func (t *scriptedTool) Description() string { return t.desc }
func (t *scriptedTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *scriptedTool) Execute(ctx context.Context, args map[string]any) *Result {
	return t.run(ctx, args)
}

func TestExecuteSuccessEnvelope(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&scriptedTool{name: "echo", run: func(_ context.Context, args map[string]any) *Result {
		return NewResult("echoed: " + args["text"].(string))
	}})

	env := reg.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	if !env.Success {
		t.Fatalf("envelope = %+v, want success", env)
	}
	if env.Data != "echoed: hi" {
		t.Errorf("data = %v", env.Data)
	}
	if env.Error != nil {
		t.Errorf("error should be nil, got %+v", env.Error)
	}
	if env.Meta.Timestamp.IsZero() {
		t.Error("meta timestamp not set")
	}
}

func TestExecuteErrorEnvelope(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&scriptedTool{name: "bad", run: func(context.Context, map[string]any) *Result {
		return CodedError("not_found", "no such file")
	}})

	env := reg.Execute(context.Background(), "bad", nil)
	if env.Success {
		t.Fatal("envelope should not be success")
	}
	if env.Error == nil || env.Error.Code != "not_found" || env.Error.Message != "no such file" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry()

	env := reg.Execute(context.Background(), "missing", nil)
	if env.Success {
		t.Fatal("unknown tool should not succeed")
	}
	if env.Error == nil || env.Error.Code != "unknown_tool" {
		t.Errorf("error = %+v, want unknown_tool", env.Error)
	}
}

// TestExecutePanicRecovered verifies a panicking tool becomes an error
// envelope instead of taking the turn down.
func TestExecutePanicRecovered(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&scriptedTool{name: "boom", run: func(context.Context, map[string]any) *Result {
		panic("kaboom")
	}})

	env := reg.Execute(context.Background(), "boom", nil)
	if env.Success {
		t.Fatal("panicking tool should not succeed")
	}
	if env.Error == nil || env.Error.Code != "panic" {
		t.Fatalf("error = %+v, want panic code", env.Error)
	}
	if !strings.Contains(env.Error.Message, "kaboom") {
		t.Errorf("message = %q, want panic value included", env.Error.Message)
	}
}

func TestExecuteNilResult(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&scriptedTool{name: "nil", run: func(context.Context, map[string]any) *Result {
		return nil
	}})

	env := reg.Execute(context.Background(), "nil", nil)
	if env.Success || env.Error == nil || env.Error.Code != "nil_result" {
		t.Errorf("envelope = %+v, want nil_result error", env)
	}
}

func TestRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		reg.Register(&scriptedTool{name: name})
	}

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("len = %d", len(list))
	}
	for i, want := range []string{"zeta", "alpha", "mid"} {
		if list[i].Name() != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].Name(), want)
		}
	}

	// Re-registering keeps the original slot.
	reg.Register(&scriptedTool{name: "alpha", desc: "v2"})
	list = reg.List()
	if len(list) != 3 || list[1].Description() != "v2" {
		t.Errorf("re-registration changed ordering: %d tools", len(list))
	}
}

func TestDefinitionsShape(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&scriptedTool{name: "get_time", desc: "current time"})

	defs := reg.Definitions()
	if len(defs) != 1 {
		t.Fatalf("defs = %d", len(defs))
	}
	if defs[0].Type != "function" || defs[0].Function.Name != "get_time" {
		t.Errorf("definition = %+v", defs[0])
	}
	if defs[0].Function.Parameters == nil {
		t.Error("parameters schema missing")
	}
}

func TestEnvelopeJSON(t *testing.T) {
	env := Envelope{Success: true, Data: "ok"}
	s := env.JSON()
	if !strings.Contains(s, `"success":true`) || !strings.Contains(s, `"ok"`) {
		t.Errorf("JSON = %s", s)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := WithSession(context.Background(), SessionRef{SessionID: "s1", Channel: "cli", ChatID: "me"})
	ref := SessionFromCtx(ctx)
	if ref.SessionID != "s1" || ref.Channel != "cli" {
		t.Errorf("ref = %+v", ref)
	}

	if zero := SessionFromCtx(context.Background()); zero.SessionID != "" {
		t.Errorf("expected zero ref, got %+v", zero)
	}
}

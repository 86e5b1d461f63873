package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kestrelbot/kestrel/internal/providers"
)

// Envelope is the normalized JSON shape every tool execution returns.
type Envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data"`
	Error   *EnvelopeError `json:"error"`
	Meta    EnvelopeMeta   `json:"meta"`
}

type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// JSON renders the envelope for the model. Marshal failure collapses to
// a minimal error envelope rather than panicking mid-turn.
func (e Envelope) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return `{"success":false,"data":null,"error":{"code":"marshal_failed","message":"tool result not serializable"}}`
	}
	return string(data)
}

// Registry maps tool names to handlers.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register inserts a tool. A duplicate name overwrites with a warning.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		slog.Warn("tool re-registered, overwriting", "tool", name)
	} else {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions returns the function-calling schemas for all tools.
func (r *Registry) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, t := range r.List() {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute resolves and runs a tool, returning the normalized envelope.
// Unknown names and handler panics both become error envelopes so the
// agent loop can hand the failure back to the model and continue.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Envelope {
	start := time.Now()

	t, ok := r.tools[name]
	if !ok {
		return errorEnvelope("unknown_tool", fmt.Sprintf("tool %q is not registered", name), start)
	}

	result := r.safeExecute(ctx, t, args)
	env := Envelope{
		Meta: EnvelopeMeta{
			DurationMS: time.Since(start).Milliseconds(),
			Timestamp:  time.Now().UTC(),
		},
	}

	if result == nil {
		env.Error = &EnvelopeError{Code: "nil_result", Message: "tool returned no result"}
		return env
	}
	if result.IsError {
		code := result.Code
		if code == "" {
			code = "tool_error"
		}
		env.Error = &EnvelopeError{Code: code, Message: result.ForLLM}
		return env
	}

	env.Success = true
	env.Data = result.ForLLM
	return env
}

func (r *Registry) safeExecute(ctx context.Context, t Tool, args map[string]any) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panic",
				"tool", t.Name(), "panic", rec, "stack", string(debug.Stack()))
			result = CodedError("panic", fmt.Sprintf("tool %s panicked: %v", t.Name(), rec))
		}
	}()
	return t.Execute(ctx, args)
}

func errorEnvelope(code, message string, start time.Time) Envelope {
	return Envelope{
		Error: &EnvelopeError{Code: code, Message: message},
		Meta: EnvelopeMeta{
			DurationMS: time.Since(start).Milliseconds(),
			Timestamp:  time.Now().UTC(),
		},
	}
}

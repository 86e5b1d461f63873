// Package tools provides the tool registry and the builtin tools the
// agent loop can invoke between LLM calls.
package tools

import "context"

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-schema object for the tool's arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// SessionRef is the narrow session capability handed to tools. Tools
// see identity, never the session object or its history.
type SessionRef struct {
	SessionID string
	Channel   string
	ChatID    string
}

type toolContextKey string

const ctxSession toolContextKey = "tool_session"

// WithSession injects the session capability for one execution.
func WithSession(ctx context.Context, ref SessionRef) context.Context {
	return context.WithValue(ctx, ctxSession, ref)
}

// SessionFromCtx returns the session capability, zero when absent.
func SessionFromCtx(ctx context.Context) SessionRef {
	v, _ := ctx.Value(ctxSession).(SessionRef)
	return v
}

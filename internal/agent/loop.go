// Package agent implements the iteration loop that turns one inbound
// message into a streamed response, calling tools between LLM calls.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/internal/memory"
	"github.com/kestrelbot/kestrel/internal/providers"
	"github.com/kestrelbot/kestrel/internal/router"
	"github.com/kestrelbot/kestrel/internal/sessions"
	"github.com/kestrelbot/kestrel/internal/tools"
	"github.com/kestrelbot/kestrel/pkg/protocol"
)

// State is one phase of the loop's turn state machine.
type State string

const (
	StateIdle        State = "idle"
	StateThinking    State = "thinking"
	StateCompressing State = "compressing"
	StateExecuting   State = "executing"
	StateEvaluating  State = "evaluating"
	StateResponding  State = "responding"
	StateError       State = "error"
)

const (
	// DefaultMaxIterations bounds the tool sub-cycle per turn.
	DefaultMaxIterations = 10

	// pendingOutputLimit caps tool output stored in the pending buffer.
	// The full output still reaches the tool-role message.
	pendingOutputLimit = 2000

	// overflowShrink is the window fraction kept when the guard blocks.
	overflowShrink = 0.8
)

// ChunkSink receives the turn's chunk stream. Exactly one terminal
// chunk (done or error) ends every turn.
type ChunkSink func(protocol.Chunk)

// pendingResult buffers one tool outcome for surfacing on failure or
// empty final content.
type pendingResult struct {
	name    string
	output  string
	success bool
}

// Config wires a Loop.
type Config struct {
	Bus        *bus.Bus
	Sessions   *sessions.Manager
	Memory     *memory.Controller
	Compressor *memory.Compressor
	Models     *router.ModelRouter
	Fallback   *router.FallbackRouter
	Tools      *tools.Registry

	MaxIterations int
	MaxTokens     int
	Temperature   float64
}

// Loop drives agent turns. One Loop serves all sessions; per-session
// ordering comes from the session turn lock.
type Loop struct {
	bus        *bus.Bus
	sessions   *sessions.Manager
	memory     *memory.Controller
	compressor *memory.Compressor
	models     *router.ModelRouter
	fallback   *router.FallbackRouter
	tools      *tools.Registry

	maxIterations int
	maxTokens     int
	temperature   float64
	tracer        trace.Tracer
}

func NewLoop(cfg Config) *Loop {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	return &Loop{
		bus:           cfg.Bus,
		sessions:      cfg.Sessions,
		memory:        cfg.Memory,
		compressor:    cfg.Compressor,
		models:        cfg.Models,
		fallback:      cfg.Fallback,
		tools:         cfg.Tools,
		maxIterations: maxIter,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		tracer:        otel.Tracer("kestrel/agent"),
	}
}

// Run executes one full turn for a session. The inbound user message
// must already be appended to the session history. Run holds the
// session's turn lock for the whole turn, so concurrent inbound
// messages for one session queue up behind it.
func (l *Loop) Run(ctx context.Context, s *sessions.Session, sink ChunkSink) {
	s.LockTurn()
	defer s.UnlockTurn()

	ctx, span := l.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	l.sessions.Activate(s)
	l.runTurn(ctx, s, sink)
}

// enterState logs a turn's state transition. The machine is
// idle -> thinking -> (compressing) -> executing -> evaluating ->
// responding -> idle, with error reachable from anywhere.
func enterState(sessionID string, state State) {
	slog.Debug("agent.state", "session", sessionID, "state", state)
}

func (l *Loop) runTurn(ctx context.Context, s *sessions.Session, sink ChunkSink) {
	enterState(s.ID, StateThinking)
	l.bus.Emit(bus.TopicAgentThinking, bus.AgentThinkingPayload{SessionID: s.ID})

	// Route first so compression can use the real model's window, and
	// so an unconfigured gateway fails before any work happens.
	route := l.models.Route(router.Moderate)
	if route == nil {
		sink(protocol.Error("no LLM provider configured"))
		return
	}

	if l.memory.NeedsCompression(s, route.Model) {
		enterState(s.ID, StateCompressing)
		l.compress(ctx, s)
		sink(protocol.Thinking("Compressing conversation memory"))
		enterState(s.ID, StateThinking)
	}

	l.memory.SetTools(l.toolInfos())
	toolDefs := l.tools.Definitions()

	var pending []pendingResult
	totalUsage := &providers.Usage{}

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		msgs := RepairHistory(l.memory.BuildContext(s))

		if report := memory.Check(route.Model, msgs); report.ShouldBlock {
			target := int(float64(report.ContextWindow) * overflowShrink)
			msgs = memory.Truncate(msgs, target)
			s.NeedsCompaction = true
			slog.Warn("context overflow recovered",
				"session", s.ID, "estimated", report.EstimatedTokens,
				"window", report.ContextWindow, "target", target)
		}

		sink(protocol.Thinking(fmt.Sprintf("Iteration %d...", iteration)))

		llmCtx, llmSpan := l.tracer.Start(ctx, "llm.chat",
			trace.WithAttributes(attribute.Int("iteration", iteration)))
		result, err := l.fallback.Chat(llmCtx, route, providers.ChatRequest{
			Messages:    msgs,
			Tools:       toolDefs,
			Model:       route.Model,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		llmSpan.End()
		if err != nil {
			enterState(s.ID, StateError)
			l.failTurn(s, sink, pending, err)
			return
		}

		l.bus.Emit(bus.TopicAgentModelUsed, bus.ModelUsedPayload{
			SessionID: s.ID,
			Provider:  result.ProviderID,
			Model:     result.Model,
			Iteration: iteration,
		})

		resp := result.Response
		totalUsage.Add(resp.Usage)

		if len(resp.ToolCalls) > 0 {
			enterState(s.ID, StateExecuting)
			l.sessions.AppendMessage(s, providers.Message{
				Role:      "assistant",
				Content:   SanitizeAssistantContent(resp.Content),
				ToolCalls: resp.ToolCalls,
				Timestamp: time.Now(),
			})
			pending = append(pending, l.executeTools(ctx, s, resp.ToolCalls, sink)...)
			continue
		}

		enterState(s.ID, StateEvaluating)
		content := SanitizeAssistantContent(resp.Content)

		if content == "" && len(pending) > 0 {
			content = renderPending(pending)
			pending = nil
		}

		enterState(s.ID, StateResponding)
		if content == "" {
			sink(protocol.Thinking("completed but produced no output"))
		} else if !IsSilentReply(content) {
			l.sessions.AppendMessage(s, providers.Message{
				Role:      "assistant",
				Content:   content,
				Timestamp: time.Now(),
			})
			sink(protocol.Text(content))
		}

		s.AccumulateUsage(totalUsage)
		sink(protocol.Done(usagePayload(totalUsage), result.ProviderID, result.Model))
		return
	}

	// Iteration limit reached: surface the work that was done.
	content := renderPending(pending)
	if content != "" {
		content += "\n\n"
	}
	content += fmt.Sprintf("Stopped after %d iterations without a final answer.", l.maxIterations)

	l.sessions.AppendMessage(s, providers.Message{
		Role:      "assistant",
		Content:   content,
		Timestamp: time.Now(),
	})
	s.AccumulateUsage(totalUsage)
	sink(protocol.Text(content))
	sink(protocol.Done(usagePayload(totalUsage), route.ProviderID, route.Model))
}

// compress summarizes the stale prefix of the session history.
func (l *Loop) compress(ctx context.Context, s *sessions.Session) {
	msgs := l.memory.MessagesForCompression(s)
	if len(msgs) == 0 {
		s.NeedsCompaction = false
		return
	}

	ctx, span := l.tracer.Start(ctx, "agent.compress",
		trace.WithAttributes(attribute.Int("messages", len(msgs))))
	defer span.End()

	summary := l.compressor.Compress(ctx, s.Summary, msgs)
	l.memory.ApplyCompression(s, summary)
}

// executeTools runs one tool sub-cycle: every call the model requested,
// in order, each appended to history and streamed as chunks.
func (l *Loop) executeTools(ctx context.Context, s *sessions.Session, calls []providers.ToolCall, sink ChunkSink) []pendingResult {
	results := make([]pendingResult, 0, len(calls))

	for _, tc := range calls {
		slog.Debug("tool.execute", "session", s.ID, "tool", tc.Name, "args", renderToolArgs(tc.Arguments))
		sink(protocol.ToolCall(tc.ID, tc.Name, tc.Arguments))
		l.bus.Emit(bus.TopicToolExecute, bus.ToolExecutePayload{
			SessionID: s.ID,
			Tool:      tc.Name,
			Args:      tc.Arguments,
		})

		toolCtx := tools.WithSession(ctx, tools.SessionRef{
			SessionID: s.ID,
			Channel:   s.Channel,
			ChatID:    s.SenderID,
		})
		toolCtx, span := l.tracer.Start(toolCtx, "tool.execute",
			trace.WithAttributes(attribute.String("tool", tc.Name)))
		env := l.tools.Execute(toolCtx, tc.Name, tc.Arguments)
		span.End()

		envJSON := env.JSON()
		output := envelopeText(env)

		l.sessions.AppendMessage(s, providers.Message{
			Role:       "tool",
			ToolCallID: tc.ID,
			Content:    envJSON,
			ToolResult: &providers.ToolResult{
				Success:    env.Success,
				Output:     output,
				DurationMS: env.Meta.DurationMS,
			},
			Timestamp: time.Now(),
		})

		sink(protocol.ToolResult(tc.ID, output, env.Success))
		l.bus.Emit(bus.TopicToolComplete, bus.ToolCompletePayload{
			SessionID: s.ID,
			Tool:      tc.Name,
			Result:    output,
			Success:   env.Success,
		})

		results = append(results, pendingResult{
			name:    tc.Name,
			output:  truncateBytes(output, pendingOutputLimit),
			success: env.Success,
		})
	}
	return results
}

// failTurn ends a turn whose whole fallback chain failed. Any tool work
// already done this turn is surfaced before the error chunk.
func (l *Loop) failTurn(s *sessions.Session, sink ChunkSink, pending []pendingResult, err error) {
	slog.Error("turn failed", "session", s.ID, "error", err)

	if len(pending) > 0 {
		content := renderPending(pending)
		l.sessions.AppendMessage(s, providers.Message{
			Role:      "assistant",
			Content:   content,
			Timestamp: time.Now(),
		})
		sink(protocol.Text(content))
	}

	kind := providers.Classify(err)
	sink(protocol.Error(fmt.Sprintf("the assistant is unavailable right now (%s)", kind)))
}

func (l *Loop) toolInfos() []memory.ToolInfo {
	list := l.tools.List()
	infos := make([]memory.ToolInfo, 0, len(list))
	for _, t := range list {
		infos = append(infos, memory.ToolInfo{Name: t.Name(), Description: t.Description()})
	}
	return infos
}

// renderPending formats buffered tool results for the user, one block
// per tool with a success marker.
func renderPending(pending []pendingResult) string {
	if len(pending) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, p := range pending {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		marker := "ok"
		if !p.success {
			marker = "failed"
		}
		sb.WriteString(fmt.Sprintf("[%s: %s]\n%s", p.name, marker, p.output))
	}
	return sb.String()
}

// envelopeText extracts the human-readable portion of an envelope.
func envelopeText(env tools.Envelope) string {
	if env.Error != nil {
		return env.Error.Message
	}
	if s, ok := env.Data.(string); ok {
		return s
	}
	return env.JSON()
}

func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func usagePayload(u *providers.Usage) map[string]any {
	if u == nil || u.TotalTokens == 0 {
		return nil
	}
	return map[string]any{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	}
}

package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/internal/memory"
	"github.com/kestrelbot/kestrel/internal/providers"
	"github.com/kestrelbot/kestrel/internal/router"
	"github.com/kestrelbot/kestrel/internal/sessions"
	"github.com/kestrelbot/kestrel/internal/tools"
	"github.com/kestrelbot/kestrel/pkg/protocol"
)

// memStore is an in-memory sessions.Store for loop tests.
type memStore struct {
	mu   sync.Mutex
	data map[string]*sessions.Session
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]*sessions.Session)}
}

func (s *memStore) Save(ctx context.Context, sess *sessions.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sess.ID] = sess
	return nil
}

func (s *memStore) Load(ctx context.Context, id string) (*sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[id]
	if !ok {
		return nil, sessions.ErrNotFound
	}
	return sess, nil
}

func (s *memStore) List(ctx context.Context) ([]*sessions.Session, error) {
	return nil, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// scriptedProvider replays a fixed sequence of responses. When the
// script runs out the last entry repeats.
type scriptedProvider struct {
	mu     sync.Mutex
	calls  int
	script []func() (*providers.ChatResponse, error)
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	p.calls++
	return p.script[idx]()
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "fake" }

func textResponse(content string) func() (*providers.ChatResponse, error) {
	return func() (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			Content:      content,
			FinishReason: "stop",
			Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func toolCallResponse(id, name string, args map[string]any) func() (*providers.ChatResponse, error) {
	return func() (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			ToolCalls:    []providers.ToolCall{{ID: id, Name: name, Arguments: args}},
			FinishReason: "tool_calls",
		}, nil
	}
}

// testHarness bundles everything a Loop needs, backed by fakes.
type testHarness struct {
	loop    *Loop
	manager *sessions.Manager
	bus     *bus.Bus
}

func newHarness(t *testing.T, provider providers.Provider, maxIterations int, reg *tools.Registry) *testHarness {
	t.Helper()

	provReg := providers.NewRegistry()
	if provider != nil {
		provReg.Register(provider, providers.Descriptor{
			ID:             "fake",
			Models:         []string{"test-model"},
			Priority:       1,
			HasCredentials: true,
		})
	}

	models := router.NewModelRouter(provReg, router.Options{DefaultProvider: "fake", DefaultModel: "test-model"})
	b := bus.New()
	mgr := sessions.NewManager(newMemStore(), b, time.Hour)
	if reg == nil {
		reg = tools.NewRegistry()
	}

	loop := NewLoop(Config{
		Bus:      b,
		Sessions: mgr,
		Memory:   memory.NewController(t.TempDir(), 10, 100),
		Compressor: memory.NewCompressor(func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
			return &providers.ChatResponse{Content: "summary"}, nil
		}),
		Models:        models,
		Fallback:      router.NewFallbackRouter(models, time.Second),
		Tools:         reg,
		MaxIterations: maxIterations,
	})
	return &testHarness{loop: loop, manager: mgr, bus: b}
}

func (h *testHarness) runTurn(content string) (*sessions.Session, []protocol.Chunk) {
	s := h.manager.Resolve(bus.InboundMessage{Channel: "cli", SenderID: "me", Content: content})
	h.manager.AppendMessage(s, providers.Message{Role: "user", Content: content, Timestamp: time.Now()})

	var chunks []protocol.Chunk
	h.loop.Run(context.Background(), s, func(c protocol.Chunk) {
		chunks = append(chunks, c)
	})
	return s, chunks
}

func terminalChunks(chunks []protocol.Chunk) []protocol.Chunk {
	var out []protocol.Chunk
	for _, c := range chunks {
		if c.Type.Terminal() {
			out = append(out, c)
		}
	}
	return out
}

func chunksOfType(chunks []protocol.Chunk, t protocol.ChunkType) []protocol.Chunk {
	var out []protocol.Chunk
	for _, c := range chunks {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// TestTurnPlainAnswer verifies the happy path: one model call, one text
// chunk, one done chunk, history updated.
func TestTurnPlainAnswer(t *testing.T) {
	h := newHarness(t, &scriptedProvider{script: []func() (*providers.ChatResponse, error){
		textResponse("the capital of France is Paris"),
	}}, 0, nil)

	s, chunks := h.runTurn("capital of France?")

	texts := chunksOfType(chunks, protocol.ChunkText)
	if len(texts) != 1 || texts[0].Payload["content"] != "the capital of France is Paris" {
		t.Fatalf("text chunks = %+v", texts)
	}

	terms := terminalChunks(chunks)
	if len(terms) != 1 || terms[0].Type != protocol.ChunkDone {
		t.Fatalf("terminal chunks = %+v, want one done", terms)
	}
	if terms[0].Payload["provider"] != "fake" {
		t.Errorf("done payload = %+v", terms[0].Payload)
	}

	last := s.Messages[len(s.Messages)-1]
	if last.Role != "assistant" || last.Content != "the capital of France is Paris" {
		t.Errorf("history tail = %+v", last)
	}
	if s.InputTokens != 10 || s.OutputTokens != 5 {
		t.Errorf("usage = %d in / %d out, want 10/5", s.InputTokens, s.OutputTokens)
	}
}

// TestTurnWithToolCall verifies the tool sub-cycle: the call and its
// result are streamed, appended to history, and the follow-up answer
// closes the turn.
func TestTurnWithToolCall(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "get_time", reply: "2026-08-24 09:00"})

	h := newHarness(t, &scriptedProvider{script: []func() (*providers.ChatResponse, error){
		toolCallResponse("t1", "get_time", nil),
		textResponse("it is nine in the morning"),
	}}, 0, reg)

	s, chunks := h.runTurn("what time is it?")

	if calls := chunksOfType(chunks, protocol.ChunkToolCall); len(calls) != 1 || calls[0].Payload["name"] != "get_time" {
		t.Fatalf("tool_call chunks = %+v", calls)
	}
	results := chunksOfType(chunks, protocol.ChunkToolResult)
	if len(results) != 1 || results[0].Payload["success"] != true {
		t.Fatalf("tool_result chunks = %+v", results)
	}

	terms := terminalChunks(chunks)
	if len(terms) != 1 || terms[0].Type != protocol.ChunkDone {
		t.Fatalf("terminal chunks = %+v", terms)
	}

	// History holds assistant(tool_calls) -> tool -> assistant(answer).
	var roles []string
	for _, m := range s.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{"user", "assistant", "tool", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("history roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, roles[i], want[i])
		}
	}
	if s.Messages[2].ToolCallID != "t1" {
		t.Errorf("tool message = %+v", s.Messages[2])
	}
}

// TestTurnNoProviders verifies an unconfigured gateway fails with a
// single error chunk before doing any work.
func TestTurnNoProviders(t *testing.T) {
	h := newHarness(t, nil, 0, nil)

	_, chunks := h.runTurn("hello?")

	if len(chunks) != 1 || chunks[0].Type != protocol.ChunkError {
		t.Fatalf("chunks = %+v, want exactly one error", chunks)
	}
	if c, _ := chunks[0].Payload["content"].(string); !strings.Contains(c, "no LLM provider configured") {
		t.Errorf("error payload = %+v", chunks[0].Payload)
	}
}

// TestTurnIterationLimit verifies a model stuck in a tool loop is cut
// off and the partial work is surfaced.
func TestTurnIterationLimit(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "get_time", reply: "noon"})

	h := newHarness(t, &scriptedProvider{script: []func() (*providers.ChatResponse, error){
		toolCallResponse("t1", "get_time", nil),
	}}, 1, reg)

	_, chunks := h.runTurn("loop forever")

	texts := chunksOfType(chunks, protocol.ChunkText)
	if len(texts) != 1 {
		t.Fatalf("text chunks = %+v", texts)
	}
	content, _ := texts[0].Payload["content"].(string)
	if !strings.Contains(content, "Stopped after 1 iterations") {
		t.Errorf("limit message = %q", content)
	}
	if !strings.Contains(content, "get_time") || !strings.Contains(content, "noon") {
		t.Errorf("pending tool work not surfaced: %q", content)
	}

	terms := terminalChunks(chunks)
	if len(terms) != 1 || terms[0].Type != protocol.ChunkDone {
		t.Fatalf("terminal chunks = %+v", terms)
	}
}

// TestTurnProviderFailure verifies a dead fallback chain ends the turn
// with one error chunk, after surfacing completed tool work.
func TestTurnProviderFailure(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "get_time", reply: "noon"})

	h := newHarness(t, &scriptedProvider{script: []func() (*providers.ChatResponse, error){
		toolCallResponse("t1", "get_time", nil),
		func() (*providers.ChatResponse, error) {
			return nil, &providers.HTTPError{Status: 401, Body: "bad key"}
		},
	}}, 0, reg)

	_, chunks := h.runTurn("what time is it?")

	terms := terminalChunks(chunks)
	if len(terms) != 1 || terms[0].Type != protocol.ChunkError {
		t.Fatalf("terminal chunks = %+v, want one error", terms)
	}
	if c, _ := terms[0].Payload["content"].(string); !strings.Contains(c, "auth") {
		t.Errorf("error payload = %+v", terms[0].Payload)
	}

	texts := chunksOfType(chunks, protocol.ChunkText)
	if len(texts) != 1 || !strings.Contains(texts[0].Payload["content"].(string), "noon") {
		t.Errorf("tool work not surfaced before the error: %+v", texts)
	}
}

// TestTurnEmptyContentFallsBackToPending verifies a model that goes
// quiet after tool calls still yields the tool output as the answer.
func TestTurnEmptyContentFallsBackToPending(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "get_time", reply: "noon"})

	h := newHarness(t, &scriptedProvider{script: []func() (*providers.ChatResponse, error){
		toolCallResponse("t1", "get_time", nil),
		textResponse(""),
	}}, 0, reg)

	_, chunks := h.runTurn("time?")

	texts := chunksOfType(chunks, protocol.ChunkText)
	if len(texts) != 1 {
		t.Fatalf("text chunks = %+v", texts)
	}
	content, _ := texts[0].Payload["content"].(string)
	if !strings.Contains(content, "[get_time: ok]") || !strings.Contains(content, "noon") {
		t.Errorf("pending render = %q", content)
	}
}

// TestTurnSilentReplyNotDelivered verifies NO_REPLY produces no text
// chunk and no history entry, but still terminates cleanly.
func TestTurnSilentReplyNotDelivered(t *testing.T) {
	h := newHarness(t, &scriptedProvider{script: []func() (*providers.ChatResponse, error){
		textResponse("NO_REPLY"),
	}}, 0, nil)

	s, chunks := h.runTurn("group chatter")

	if texts := chunksOfType(chunks, protocol.ChunkText); len(texts) != 0 {
		t.Errorf("text chunks = %+v, want none", texts)
	}
	terms := terminalChunks(chunks)
	if len(terms) != 1 || terms[0].Type != protocol.ChunkDone {
		t.Fatalf("terminal chunks = %+v", terms)
	}
	if last := s.Messages[len(s.Messages)-1]; last.Role != "user" {
		t.Errorf("silent reply was appended to history: %+v", last)
	}
}

// stubTool returns a fixed string.
type stubTool struct {
	name  string
	reply string
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *stubTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	return tools.NewResult(t.reply)
}

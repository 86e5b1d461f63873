package memory

import (
	"strings"
	"testing"

	"github.com/kestrelbot/kestrel/internal/providers"
)

func TestContextWindow(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"claude-sonnet-4-5", 200_000},
		{"gpt-4o-mini", 128_000},
		{"gemini-2.0-flash", 1_000_000},
		{"deepseek-chat", 64_000},
		{"unknown-model", 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := ContextWindow(tt.model); got != tt.want {
				t.Errorf("ContextWindow(%s) = %d, want %d", tt.model, got, tt.want)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "12345678"}, // 8 chars -> 2 + overhead
	}
	want := 2 + perMessageOverhead
	if got := EstimateTokens(msgs); got != want {
		t.Errorf("EstimateTokens = %d, want %d", got, want)
	}
}

func TestCheckThresholds(t *testing.T) {
	// deepseek window is 64k; craft sizes around the 32k/16k remaining
	// thresholds.
	mkMsgs := func(tokens int) []providers.Message {
		return []providers.Message{{Role: "user", Content: strings.Repeat("x", tokens*4)}}
	}

	tests := []struct {
		name      string
		tokens    int
		wantWarn  bool
		wantBlock bool
	}{
		{"roomy", 10_000, false, false},
		{"warn zone", 40_000, true, false},
		{"block zone", 50_000, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := Check("deepseek-chat", mkMsgs(tt.tokens))
			if report.ShouldWarn != tt.wantWarn {
				t.Errorf("ShouldWarn = %v, want %v (remaining %d)", report.ShouldWarn, tt.wantWarn, report.Remaining)
			}
			if report.ShouldBlock != tt.wantBlock {
				t.Errorf("ShouldBlock = %v, want %v (remaining %d)", report.ShouldBlock, tt.wantBlock, report.Remaining)
			}
		})
	}
}

// TestTruncateKeepsSystemAndPairs verifies truncation preserves the
// leading system prompt and never orphans tool results.
func TestTruncateKeepsSystemAndPairs(t *testing.T) {
	big := strings.Repeat("x", 4000) // ~1000 tokens each
	msgs := []providers.Message{
		{Role: "system", Content: "prompt"},
		{Role: "user", Content: big},
		{Role: "assistant", Content: big, ToolCalls: []providers.ToolCall{{ID: "t1", Name: "f"}}},
		{Role: "tool", ToolCallID: "t1", Content: big},
		{Role: "user", Content: "latest"},
	}

	got := Truncate(msgs, 1200)
	if len(got) == 0 || got[0].Role != "system" {
		t.Fatalf("system prompt dropped: %+v", got)
	}
	for i, m := range got {
		if m.Role != "tool" {
			continue
		}
		if i == 0 || (got[i-1].Role != "assistant" && got[i-1].Role != "tool") {
			t.Errorf("orphaned tool result at index %d", i)
		}
	}
}

func TestTruncateNoopWhenFits(t *testing.T) {
	msgs := []providers.Message{{Role: "user", Content: "hi"}}
	got := Truncate(msgs, 1000)
	if len(got) != 1 {
		t.Errorf("expected unchanged messages, got %d", len(got))
	}
}

// TestKeepRecentExtendsPastToolBoundary verifies the window grows
// backwards when it would start on a tool result.
func TestKeepRecentExtendsPastToolBoundary(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "t1", Name: "f"}}},
		{Role: "tool", ToolCallID: "t1", Content: "r"},
		{Role: "assistant", Content: "done"},
	}

	got := KeepRecent(msgs, 2)
	if len(got) != 3 {
		t.Fatalf("expected window extended to 3 messages, got %d", len(got))
	}
	if got[0].Role != "assistant" || len(got[0].ToolCalls) == 0 {
		t.Errorf("window should start at the assistant that issued the calls, got %+v", got[0])
	}
}

func TestKeepRecentSmallHistory(t *testing.T) {
	msgs := []providers.Message{{Role: "user", Content: "a"}}
	if got := KeepRecent(msgs, 10); len(got) != 1 {
		t.Errorf("expected whole history, got %d", len(got))
	}
}

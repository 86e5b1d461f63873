package agent

import (
	"strings"
	"testing"

	"github.com/kestrelbot/kestrel/internal/providers"
)

// TestRepairDropsOrphanedResults verifies a tool result with no
// preceding assistant claim is removed.
func TestRepairDropsOrphanedResults(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "hi"},
		{Role: "tool", ToolCallID: "ghost", Content: "orphan"},
		{Role: "assistant", Content: "hello"},
	}

	out := RepairHistory(msgs)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(out), out)
	}
	for _, m := range out {
		if m.Role == "tool" {
			t.Errorf("orphaned tool result survived: %+v", m)
		}
	}
}

// TestRepairSynthesizesMissingResults verifies an assistant message
// whose tool calls never completed gets interrupted placeholders.
func TestRepairSynthesizesMissingResults(t *testing.T) {
	msgs := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{
			{ID: "t1", Name: "read_file"},
			{ID: "t2", Name: "get_time"},
		}},
		{Role: "tool", ToolCallID: "t1", Content: "done"},
		{Role: "user", Content: "still there?"},
	}

	out := RepairHistory(msgs)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4: %+v", len(out), out)
	}
	synth := out[2]
	if synth.Role != "tool" || synth.ToolCallID != "t2" {
		t.Fatalf("expected synthesized result for t2, got %+v", synth)
	}
	if !strings.Contains(synth.Content, `"code":"interrupted"`) {
		t.Errorf("synthesized content = %q", synth.Content)
	}
}

func TestRepairLeavesValidHistoryAlone(t *testing.T) {
	msgs := []providers.Message{
		{Role: "system", Content: "prompt"},
		{Role: "user", Content: "time?"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "t1", Name: "get_time"}}},
		{Role: "tool", ToolCallID: "t1", Content: "noon"},
		{Role: "assistant", Content: "it is noon"},
	}

	out := RepairHistory(msgs)
	if len(out) != len(msgs) {
		t.Fatalf("len = %d, want %d", len(out), len(msgs))
	}
	for i := range msgs {
		if out[i].Role != msgs[i].Role {
			t.Errorf("message %d role = %s, want %s", i, out[i].Role, msgs[i].Role)
		}
	}
}

func TestRenderToolArgs(t *testing.T) {
	if got := renderToolArgs(nil); got != "{}" {
		t.Errorf("renderToolArgs(nil) = %q", got)
	}
	got := renderToolArgs(map[string]any{"path": "notes.md"})
	if !strings.Contains(got, `"path":"notes.md"`) {
		t.Errorf("renderToolArgs = %q", got)
	}
}

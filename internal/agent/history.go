package agent

import (
	"encoding/json"

	"github.com/kestrelbot/kestrel/internal/providers"
)

// RepairHistory enforces the tool pairing invariant on a message
// sequence before it goes to a provider: every assistant message that
// carries tool calls must be followed by exactly its tool results.
// Missing results are synthesized as cancellations, orphaned results
// are dropped. Providers reject histories that violate this.
func RepairHistory(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))

	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		// Orphaned tool result: no preceding assistant claimed it.
		if m.Role == "tool" {
			if !claimedBy(out, m.ToolCallID) {
				continue
			}
			out = append(out, m)
			continue
		}

		out = append(out, m)

		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}

		// Collect the results that actually follow this assistant.
		have := make(map[string]bool)
		for j := i + 1; j < len(msgs) && msgs[j].Role == "tool"; j++ {
			have[msgs[j].ToolCallID] = true
		}

		// Synthesize results for calls that never completed (crash or
		// truncation mid-cycle).
		for _, tc := range m.ToolCalls {
			if !have[tc.ID] {
				out = append(out, providers.Message{
					Role:       "tool",
					ToolCallID: tc.ID,
					Content:    `{"success":false,"data":null,"error":{"code":"interrupted","message":"tool execution did not complete"}}`,
				})
			}
		}
	}

	return out
}

// claimedBy reports whether the tail of out contains an assistant
// message carrying the given tool call id.
func claimedBy(out []providers.Message, callID string) bool {
	for i := len(out) - 1; i >= 0; i-- {
		m := out[i]
		if m.Role == "tool" {
			continue
		}
		if m.Role == "assistant" {
			for _, tc := range m.ToolCalls {
				if tc.ID == callID {
					return true
				}
			}
		}
		return false
	}
	return false
}

// renderToolArgs compacts tool arguments for logs and chunk payloads.
func renderToolArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

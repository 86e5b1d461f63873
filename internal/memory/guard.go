// Package memory assembles the model context for each turn: workspace
// system prompt, compressed summary, recent history, and the guard that
// keeps the whole thing inside the model's window.
package memory

import (
	"strings"

	"github.com/kestrelbot/kestrel/internal/providers"
)

const (
	// perMessageOverhead covers role tags and envelope tokens.
	perMessageOverhead = 4

	// warnRemainingTokens and blockRemainingTokens are remaining-window
	// thresholds, not absolute sizes.
	warnRemainingTokens  = 32_000
	blockRemainingTokens = 16_000

	defaultContextWindow = 128_000
)

// modelWindows maps model-name substrings to advertised context windows.
var modelWindows = []struct {
	substr string
	tokens int
}{
	{"claude", 200_000},
	{"gpt-4o", 128_000},
	{"gpt-4.1", 1_000_000},
	{"o1", 200_000},
	{"o3", 200_000},
	{"gemini", 1_000_000},
	{"deepseek", 64_000},
	{"llama", 128_000},
	{"qwen", 131_072},
	{"mistral", 128_000},
}

// ContextWindow returns the advertised window for a model, defaulting
// when the model is unknown.
func ContextWindow(model string) int {
	m := strings.ToLower(model)
	for _, w := range modelWindows {
		if strings.Contains(m, w.substr) {
			return w.tokens
		}
	}
	return defaultContextWindow
}

// EstimateTokens approximates the prompt size as ceil(chars/4) plus a
// small per-message overhead. Crude, but stable across providers.
func EstimateTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		chars := len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 32
		}
		total += (chars+3)/4 + perMessageOverhead
	}
	return total
}

// GuardReport is the Context Guard's verdict for one prompt.
type GuardReport struct {
	EstimatedTokens int  `json:"estimated_tokens"`
	ContextWindow   int  `json:"context_window"`
	Remaining       int  `json:"remaining"`
	ShouldWarn      bool `json:"should_warn"`
	ShouldBlock     bool `json:"should_block"`
}

// Check evaluates a message sequence against a model's window.
func Check(model string, msgs []providers.Message) GuardReport {
	est := EstimateTokens(msgs)
	window := ContextWindow(model)
	remaining := window - est

	return GuardReport{
		EstimatedTokens: est,
		ContextWindow:   window,
		Remaining:       remaining,
		ShouldWarn:      remaining < warnRemainingTokens,
		ShouldBlock:     remaining < blockRemainingTokens,
	}
}

// Truncate drops the oldest messages until the estimated size fits
// targetTokens. The leading system prompt always survives, and an
// assistant message carrying tool calls is never separated from its
// tool-result messages: cut points land only on pair boundaries.
func Truncate(msgs []providers.Message, targetTokens int) []providers.Message {
	if len(msgs) == 0 || EstimateTokens(msgs) <= targetTokens {
		return msgs
	}

	var system []providers.Message
	rest := msgs
	if msgs[0].Role == "system" {
		system = msgs[:1]
		rest = msgs[1:]
	}

	// Walk cut candidates from oldest to newest until the remainder fits.
	for start := 0; start < len(rest); start++ {
		start = pairStart(rest, start)
		candidate := append(append([]providers.Message{}, system...), rest[start:]...)
		if EstimateTokens(candidate) <= targetTokens {
			return candidate
		}
	}
	return system
}

// pairStart advances a cut index forward past any tool-result messages
// so a kept suffix never begins with orphaned results.
func pairStart(msgs []providers.Message, idx int) int {
	for idx < len(msgs) && msgs[idx].Role == "tool" {
		idx++
	}
	return idx
}

// KeepRecent returns the trailing k messages, extended backwards when
// the window boundary would split an assistant-with-tool-calls from its
// tool results.
func KeepRecent(msgs []providers.Message, k int) []providers.Message {
	if k <= 0 || len(msgs) <= k {
		return msgs
	}

	start := len(msgs) - k
	// A tool result at the boundary needs its assistant; extend back to
	// the assistant that issued the calls.
	for start > 0 && msgs[start].Role == "tool" {
		start--
	}
	return msgs[start:]
}

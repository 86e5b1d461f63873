package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kestrelbot/kestrel/internal/providers"
)

const (
	compressTemperature = 0.3
	compressMaxTokens   = 1000
)

const summaryInstruction = `Summarize the conversation below into a structured memory note.
Use exactly these sections:

## User Profile
Facts about the user: name, preferences, context.

## Current Task
What the user is working on right now, if anything.

## Decisions
Choices that were made and agreed on.

## Facts
Durable facts worth remembering.

## Recent Actions
What was done most recently (tools run, messages sent).

Keep the whole summary under 800 tokens. Merge in the previous summary;
keep still-relevant facts, drop superseded ones.`

// Compressor turns old history into a compact summary using the
// provider routed for summarization.
type Compressor struct {
	chat func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
}

// NewCompressor wires the compressor to a summarize-routed chat
// function supplied by the caller.
func NewCompressor(chat func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)) *Compressor {
	return &Compressor{chat: chat}
}

// Compress produces a new summary from the prior one plus the messages
// being dropped. On provider failure the prior summary is returned
// unchanged so memory never degrades.
func (c *Compressor) Compress(ctx context.Context, priorSummary string, msgs []providers.Message) string {
	if len(msgs) == 0 {
		return priorSummary
	}

	var sb strings.Builder
	if priorSummary != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(priorSummary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation to compress:\n")
	for _, m := range msgs {
		sb.WriteString(renderMessage(m))
		sb.WriteString("\n")
	}

	resp, err := c.chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: summaryInstruction},
			{Role: "user", Content: sb.String()},
		},
		MaxTokens:   compressMaxTokens,
		Temperature: compressTemperature,
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("memory.compress failed, keeping prior summary", "error", err)
		return priorSummary
	}

	return strings.TrimSpace(resp.Content)
}

func renderMessage(m providers.Message) string {
	switch {
	case len(m.ToolCalls) > 0:
		names := make([]string, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			names[i] = tc.Name
		}
		if m.Content != "" {
			return fmt.Sprintf("[assistant] %s (called: %s)", m.Content, strings.Join(names, ", "))
		}
		return fmt.Sprintf("[assistant] called tools: %s", strings.Join(names, ", "))
	case m.Role == "tool":
		out := m.Content
		if len(out) > 200 {
			out = out[:200] + "..."
		}
		return fmt.Sprintf("[tool result] %s", out)
	default:
		return fmt.Sprintf("[%s] %s", m.Role, m.Content)
	}
}

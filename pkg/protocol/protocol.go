// Package protocol defines the transport-facing wire contract: the chunk
// envelope streamed to CLI and messaging-bot clients, and the bus topic
// names transports subscribe to.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is bumped on breaking changes to the chunk envelope.
const ProtocolVersion = 1

// ChunkType tags one variant of the per-turn chunk stream.
type ChunkType string

const (
	ChunkThinking   ChunkType = "thinking"
	ChunkText       ChunkType = "text"
	ChunkToolCall   ChunkType = "tool_call"
	ChunkToolResult ChunkType = "tool_result"
	ChunkError      ChunkType = "error"
	ChunkDone       ChunkType = "done"
)

// Terminal reports whether the chunk ends a turn's stream.
// Every turn emits exactly one terminal chunk.
func (t ChunkType) Terminal() bool {
	return t == ChunkDone || t == ChunkError
}

// Chunk is the envelope streamed to transports for one piece of a turn.
type Chunk struct {
	ID        string         `json:"id"`
	Type      ChunkType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func newChunk(t ChunkType, payload map[string]any) Chunk {
	return Chunk{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Thinking announces reasoning progress. Text is optional.
func Thinking(text string) Chunk {
	p := map[string]any{}
	if text != "" {
		p["text"] = text
	}
	return newChunk(ChunkThinking, p)
}

// Text carries user-visible assistant content.
func Text(content string) Chunk {
	return newChunk(ChunkText, map[string]any{"content": content})
}

// ToolCall announces a tool invocation requested by the model.
func ToolCall(id, name string, args map[string]any) Chunk {
	return newChunk(ChunkToolCall, map[string]any{"id": id, "name": name, "args": args})
}

// ToolResult carries the outcome of one tool invocation.
func ToolResult(id, output string, success bool) Chunk {
	return newChunk(ChunkToolResult, map[string]any{"id": id, "output": output, "success": success})
}

// Error terminates a failed turn.
func Error(content string) Chunk {
	return newChunk(ChunkError, map[string]any{"content": content})
}

// Done terminates a successful turn. Usage and route info are optional.
func Done(usage map[string]any, providerID, model string) Chunk {
	p := map[string]any{}
	if usage != nil {
		p["usage"] = usage
	}
	if providerID != "" {
		p["provider"] = providerID
	}
	if model != "" {
		p["model"] = model
	}
	return newChunk(ChunkDone, p)
}

// Marshal renders the chunk as a JSON frame for the wire.
func (c Chunk) Marshal() []byte {
	data, _ := json.Marshal(c)
	return data
}

package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/kestrelbot/kestrel/internal/agent"
	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/pkg/protocol"
)

// Dispatcher turns inbound messages into agent turns. It owns the glue
// the transports share: history append via the Message Router, a turn
// per inbound message, and outbound emission for every text chunk.
type Dispatcher struct {
	loop   *agent.Loop
	router *MessageRouter
}

func NewDispatcher(loop *agent.Loop, router *MessageRouter) *Dispatcher {
	return &Dispatcher{loop: loop, router: router}
}

// Dispatch runs one full turn for an inbound message. Chunks stream to
// sink as they are produced; text chunks additionally flow out as
// message.outbound events. Blocks until the turn's terminal chunk.
func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.InboundMessage, sink agent.ChunkSink) {
	s := d.router.HandleInbound(msg)

	chatID := msg.SenderID
	if msg.IsGroup && msg.GroupID != "" {
		chatID = msg.GroupID
	}

	d.loop.Run(ctx, s, func(c protocol.Chunk) {
		if sink != nil {
			sink(c)
		}
		if c.Type == protocol.ChunkText {
			if content, ok := c.Payload["content"].(string); ok && content != "" {
				d.router.HandleOutbound(s.ID, bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  chatID,
					Content: content,
				})
			}
		}
	})
}

// RunPrompt runs a synchronous turn for a scheduler-originated prompt
// and returns the final assistant text. Matches cron.RunAgentFunc.
func (d *Dispatcher) RunPrompt(ctx context.Context, prompt, channel, chatID string) (string, error) {
	msg := bus.InboundMessage{
		Channel:  channel,
		SenderID: chatID,
		Content:  prompt,
	}
	s := d.router.HandleInbound(msg)

	var parts []string
	var turnErr error

	d.loop.Run(ctx, s, func(c protocol.Chunk) {
		switch c.Type {
		case protocol.ChunkText:
			if content, ok := c.Payload["content"].(string); ok && content != "" {
				parts = append(parts, content)
			}
		case protocol.ChunkError:
			if content, ok := c.Payload["content"].(string); ok {
				turnErr = errors.New(content)
			} else {
				turnErr = errors.New("agent turn failed")
			}
		}
	})

	if turnErr != nil {
		return "", turnErr
	}
	return strings.Join(parts, "\n\n"), nil
}

// Send delivers plain text on a channel without running a turn.
// Matches cron.SendFunc; the session is resolved so the outbound event
// carries a real session id, but nothing is appended to history.
func (d *Dispatcher) Send(channel, chatID, text string) {
	s := d.router.sessions.Resolve(bus.InboundMessage{
		Channel:  channel,
		SenderID: chatID,
	})
	d.router.HandleOutbound(s.ID, bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: text,
	})
}

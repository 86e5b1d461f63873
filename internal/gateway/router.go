// Package gateway exposes the message-dispatch surface: the Message
// Router feeding sessions, the turn dispatcher, and the WebSocket
// server transports connect to.
package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/internal/providers"
	"github.com/kestrelbot/kestrel/internal/sessions"
)

// dedupWindow suppresses repeated outbound sends per session. This is
// a best-effort optimization, not a correctness property.
const dedupWindow = 5 * time.Second

// MessageRouter bridges channel adapters and sessions: inbound text
// becomes session history plus a message.inbound event; outbound text
// becomes a message.outbound event, never history.
type MessageRouter struct {
	sessions *sessions.Manager
	bus      *bus.Bus

	mu           sync.Mutex
	lastOutbound map[string]time.Time
}

func NewMessageRouter(mgr *sessions.Manager, eventBus *bus.Bus) *MessageRouter {
	return &MessageRouter{
		sessions:     mgr,
		bus:          eventBus,
		lastOutbound: make(map[string]time.Time),
	}
}

// HandleInbound resolves the session for an inbound message, appends
// the user message and emits message.inbound. Returns the session so
// the caller can drive a turn.
//
// The append takes the session's turn lock, so a message arriving while
// a turn is in flight waits for that turn's terminal chunk instead of
// landing inside its tool sub-cycle.
func (r *MessageRouter) HandleInbound(msg bus.InboundMessage) *sessions.Session {
	s := r.sessions.Resolve(msg)

	m := providers.Message{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   msg.Content,
		Channel:   msg.Channel,
		Timestamp: time.Now(),
	}
	s.LockTurn()
	r.sessions.AppendMessage(s, m)
	s.UnlockTurn()

	r.bus.Emit(bus.TopicMessageInbound, bus.MessageInboundPayload{
		SessionID: s.ID,
		Message:   m,
	})
	return s
}

// HandleOutbound emits message.outbound for a session. Emissions for
// the same session within the dedup window are dropped. Never appends
// to session history: the agent loop is the sole author of
// assistant-role entries.
func (r *MessageRouter) HandleOutbound(sessionID string, out bus.OutboundMessage) bool {
	r.mu.Lock()
	now := time.Now()
	if last, ok := r.lastOutbound[sessionID]; ok && now.Sub(last) < dedupWindow {
		r.mu.Unlock()
		slog.Debug("outbound deduped", "session", sessionID)
		return false
	}
	r.lastOutbound[sessionID] = now
	r.mu.Unlock()

	r.bus.Emit(bus.TopicMessageOutbound, bus.MessageOutboundPayload{
		SessionID: sessionID,
		Message:   out,
	})
	return true
}

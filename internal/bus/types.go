package bus

import "github.com/kestrelbot/kestrel/internal/providers"

// Topic identifies one event stream on the bus.
type Topic string

const (
	TopicMessageInbound  Topic = "message.inbound"
	TopicMessageOutbound Topic = "message.outbound"

	TopicSessionCreated Topic = "session.created"
	TopicSessionIdle    Topic = "session.idle"
	TopicSessionResumed Topic = "session.resumed"

	TopicToolExecute  Topic = "tool.execute"
	TopicToolComplete Topic = "tool.complete"

	TopicAgentThinking  Topic = "agent.thinking"
	TopicAgentModelUsed Topic = "agent.model.used"

	TopicCronJobStarted   Topic = "cron.job.started"
	TopicCronJobCompleted Topic = "cron.job.completed"
	TopicCronJobFailed    Topic = "cron.job.failed"
)

// InboundMessage represents a message received from a channel adapter
// (CLI REPL, Telegram bot, WebSocket client, cron).
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	GroupID  string            `json:"group_id,omitempty"`
	IsGroup  bool              `json:"is_group,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be delivered to a channel.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id,omitempty"`
	Content string `json:"content"`
}

// MessageInboundPayload is emitted on message.inbound after the Message
// Router has appended the user message to its session.
type MessageInboundPayload struct {
	SessionID string
	Message   providers.Message
}

// MessageOutboundPayload is emitted on message.outbound for transports.
type MessageOutboundPayload struct {
	SessionID string
	Message   OutboundMessage
}

// SessionPayload is shared by the session lifecycle topics.
type SessionPayload struct {
	SessionID string
}

// ToolExecutePayload is emitted just before a tool handler runs.
type ToolExecutePayload struct {
	SessionID string
	Tool      string
	Args      map[string]any
}

// ToolCompletePayload is emitted after a tool handler returns.
type ToolCompletePayload struct {
	SessionID string
	Tool      string
	Result    string
	Success   bool
}

// AgentThinkingPayload is emitted when a turn enters the thinking state.
type AgentThinkingPayload struct {
	SessionID string
}

// ModelUsedPayload reports the route actually chosen for one iteration.
type ModelUsedPayload struct {
	SessionID string
	Provider  string
	Model     string
	Iteration int
}

// CronJobPayload is shared by the cron.job.* topics.
type CronJobPayload struct {
	JobID string
	Name  string
	Error string
}

// Package sessions owns conversation session lifecycle and persistence.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kestrelbot/kestrel/internal/providers"
)

// State is one phase of the session lifecycle.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StateIdle    State = "idle"
)

// ErrNotFound is returned by stores and Resume for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Store persists sessions. Implementations live in internal/store.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	Delete(ctx context.Context, id string) error
}

// Session stores the conversation history and metadata for one peer
// (a direct sender or a group).
type Session struct {
	ID       string `json:"id"`
	State    State  `json:"state"`
	Channel  string `json:"channel,omitempty"`
	SenderID string `json:"senderId,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
	IsGroup  bool   `json:"isGroup,omitempty"`

	Messages     []providers.Message `json:"messages"`
	Summary      string              `json:"summary,omitempty"`
	MessageCount int                 `json:"messageCount"`

	Created    time.Time `json:"created"`
	LastActive time.Time `json:"lastActive"`

	InputTokens     int64 `json:"inputTokens,omitempty"`
	OutputTokens    int64 `json:"outputTokens,omitempty"`
	CompactionCount int   `json:"compactionCount,omitempty"`

	// NeedsCompaction is set after a context-overflow recovery so the
	// next turn summarizes before calling the provider.
	NeedsCompaction bool `json:"needsCompaction,omitempty"`

	// turnMu serializes agent turns for this session. Not persisted.
	turnMu sync.Mutex
}

// LockTurn blocks until this session's turn lock is held. Inbound
// messages for one session are processed strictly in order.
func (s *Session) LockTurn() { s.turnMu.Lock() }

// UnlockTurn releases the turn lock.
func (s *Session) UnlockTurn() { s.turnMu.Unlock() }

// TryLockTurn acquires the turn lock without blocking.
func (s *Session) TryLockTurn() bool { return s.turnMu.TryLock() }

// Snapshot returns a deep copy safe to persist or inspect while the
// original keeps mutating under the manager's lock.
func (s *Session) Snapshot() *Session {
	cp := &Session{
		ID:              s.ID,
		State:           s.State,
		Channel:         s.Channel,
		SenderID:        s.SenderID,
		GroupID:         s.GroupID,
		IsGroup:         s.IsGroup,
		Summary:         s.Summary,
		MessageCount:    s.MessageCount,
		Created:         s.Created,
		LastActive:      s.LastActive,
		InputTokens:     s.InputTokens,
		OutputTokens:    s.OutputTokens,
		CompactionCount: s.CompactionCount,
		NeedsCompaction: s.NeedsCompaction,
	}
	cp.Messages = make([]providers.Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	return cp
}

// AccumulateUsage adds token counts from a completed turn.
func (s *Session) AccumulateUsage(u *providers.Usage) {
	if u == nil {
		return
	}
	s.InputTokens += int64(u.PromptTokens)
	s.OutputTokens += int64(u.CompletionTokens)
}

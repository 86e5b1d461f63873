package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/internal/providers"
)

// Manager owns session lifecycle: resolution, activation, idle timers,
// resume from store, and shutdown persistence.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // by id
	bySender map[string]string   // channel|sender -> id (direct messages)
	byGroup  map[string]string   // channel|group -> id
	timers   map[string]*time.Timer

	store       Store
	bus         *bus.Bus
	idleTimeout time.Duration
}

func NewManager(store Store, eventBus *bus.Bus, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		bySender:    make(map[string]string),
		byGroup:     make(map[string]string),
		timers:      make(map[string]*time.Timer),
		store:       store,
		bus:         eventBus,
		idleTimeout: idleTimeout,
	}
}

func senderKey(channel, senderID string) string { return channel + "|" + senderID }
func groupKey(channel, groupID string) string   { return channel + "|" + groupID }

// Resolve returns the session for an inbound message, creating one when
// no live session matches. Group messages share one session per group;
// direct messages share one session per sender. Idle sessions are
// resumed rather than replaced.
func (m *Manager) Resolve(msg bus.InboundMessage) *Session {
	m.mu.Lock()

	var id string
	var ok bool
	if msg.IsGroup && msg.GroupID != "" {
		id, ok = m.byGroup[groupKey(msg.Channel, msg.GroupID)]
	} else {
		id, ok = m.bySender[senderKey(msg.Channel, msg.SenderID)]
	}

	if ok {
		s := m.sessions[id]
		m.mu.Unlock()
		if s.State == StateIdle {
			m.bus.Emit(bus.TopicSessionResumed, bus.SessionPayload{SessionID: s.ID})
		}
		m.Activate(s)
		return s
	}

	s := &Session{
		ID:         uuid.NewString(),
		State:      StateCreated,
		Channel:    msg.Channel,
		SenderID:   msg.SenderID,
		GroupID:    msg.GroupID,
		IsGroup:    msg.IsGroup,
		Messages:   []providers.Message{},
		Created:    time.Now(),
		LastActive: time.Now(),
	}
	m.index(s)
	m.mu.Unlock()

	slog.Info("session.created", "session", s.ID, "channel", s.Channel, "group", s.IsGroup)
	m.bus.Emit(bus.TopicSessionCreated, bus.SessionPayload{SessionID: s.ID})
	return s
}

// index inserts a session into the lookup maps. Caller holds m.mu.
func (m *Manager) index(s *Session) {
	m.sessions[s.ID] = s
	if s.IsGroup && s.GroupID != "" {
		m.byGroup[groupKey(s.Channel, s.GroupID)] = s.ID
	} else {
		m.bySender[senderKey(s.Channel, s.SenderID)] = s.ID
	}
}

// Activate marks the session active, refreshes last-active and rearms
// its idle timer.
func (m *Manager) Activate(s *Session) {
	m.mu.Lock()
	s.State = StateActive
	s.LastActive = time.Now()

	if t, ok := m.timers[s.ID]; ok {
		t.Stop()
	}
	id := s.ID
	m.timers[id] = time.AfterFunc(m.idleTimeout, func() { m.Idle(id) })
	m.mu.Unlock()
}

// Idle transitions a session to idle, persists it and emits
// session.idle. Idempotent: a second call on an idle session is a no-op.
func (m *Manager) Idle(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.State == StateIdle {
		m.mu.Unlock()
		return
	}
	s.State = StateIdle
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	snapshot := s.Snapshot()
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(context.Background(), snapshot); err != nil {
			slog.Error("session.persist failed", "session", id, "error", err)
		}
	}
	slog.Info("session.idle", "session", id)
	m.bus.Emit(bus.TopicSessionIdle, bus.SessionPayload{SessionID: id})
}

// Resume activates a session by id, loading it from the store when it
// is not in memory. Returns ErrNotFound when the store has no record.
func (m *Manager) Resume(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		if m.store == nil {
			return nil, ErrNotFound
		}
		loaded, err := m.store.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resume %s: %w", id, err)
		}
		m.mu.Lock()
		// Another goroutine may have resumed it meanwhile.
		if existing, ok := m.sessions[id]; ok {
			s = existing
		} else {
			s = loaded
			m.index(s)
		}
		m.mu.Unlock()
	}

	m.Activate(s)
	m.bus.Emit(bus.TopicSessionResumed, bus.SessionPayload{SessionID: id})
	return s, nil
}

// Get returns an in-memory session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// AppendMessage appends to a session's history and bumps its counters.
func (m *Manager) AppendMessage(s *Session, msg providers.Message) {
	m.mu.Lock()
	s.Messages = append(s.Messages, msg)
	s.MessageCount++
	s.LastActive = time.Now()
	m.mu.Unlock()
}

// Persist writes one session to the store.
func (m *Manager) Persist(ctx context.Context, s *Session) error {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	snapshot := s.Snapshot()
	m.mu.RUnlock()
	return m.store.Save(ctx, snapshot)
}

// PersistAll writes every in-memory session to the store. Called on
// shutdown; errors are logged, not fatal, so one bad session cannot
// block the rest.
func (m *Manager) PersistAll(ctx context.Context) {
	m.mu.RLock()
	snapshots := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshots = append(snapshots, s.Snapshot())
	}
	m.mu.RUnlock()

	if m.store == nil {
		return
	}
	for _, s := range snapshots {
		if err := m.store.Save(ctx, s); err != nil {
			slog.Error("session.persist failed", "session", s.ID, "error", err)
		}
	}
	slog.Info("sessions.persisted", "count", len(snapshots))
}

// List returns lightweight descriptors for all in-memory sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Info{
			ID:           s.ID,
			State:        s.State,
			Channel:      s.Channel,
			MessageCount: s.MessageCount,
			Created:      s.Created,
			LastActive:   s.LastActive,
		})
	}
	return out
}

// Info is a lightweight session descriptor for listing.
type Info struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Channel      string    `json:"channel,omitempty"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	LastActive   time.Time `json:"lastActive"`
}

// Shutdown stops all idle timers and persists every session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.PersistAll(ctx)
}

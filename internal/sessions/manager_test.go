package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/internal/providers"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu   sync.Mutex
	data map[string]*Session
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]*Session)}
}

func (s *memStore) Save(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sess.ID] = sess
	return nil
}

func (s *memStore) Load(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *memStore) List(ctx context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.data))
	for _, sess := range s.data {
		out = append(out, sess)
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

func TestResolveDirectMessage(t *testing.T) {
	m := NewManager(newMemStore(), bus.New(), time.Minute)

	msg := bus.InboundMessage{Channel: "telegram", SenderID: "alice", Content: "hi"}
	s1 := m.Resolve(msg)
	s2 := m.Resolve(msg)

	if s1.ID != s2.ID {
		t.Error("same sender should resolve to the same session")
	}

	other := m.Resolve(bus.InboundMessage{Channel: "telegram", SenderID: "bob"})
	if other.ID == s1.ID {
		t.Error("different senders must not share a session")
	}
}

// TestResolveGroupSharesSession verifies group messages resolve by
// group id, not sender.
func TestResolveGroupSharesSession(t *testing.T) {
	m := NewManager(newMemStore(), bus.New(), time.Minute)

	s1 := m.Resolve(bus.InboundMessage{Channel: "telegram", SenderID: "alice", GroupID: "g1", IsGroup: true})
	s2 := m.Resolve(bus.InboundMessage{Channel: "telegram", SenderID: "bob", GroupID: "g1", IsGroup: true})

	if s1.ID != s2.ID {
		t.Error("senders in one group should share a session")
	}
	if !s1.IsGroup {
		t.Error("session should be marked as group")
	}
}

func TestResolveEmitsCreated(t *testing.T) {
	b := bus.New()
	var created []string
	b.Subscribe(bus.TopicSessionCreated, func(ev bus.Event) {
		created = append(created, ev.Payload.(bus.SessionPayload).SessionID)
	})

	m := NewManager(newMemStore(), b, time.Minute)
	s := m.Resolve(bus.InboundMessage{Channel: "cli", SenderID: "me"})

	if len(created) != 1 || created[0] != s.ID {
		t.Errorf("session.created events = %v, want [%s]", created, s.ID)
	}
}

// TestIdlePersistsAndEmits verifies the idle transition saves a
// snapshot and fires session.idle exactly once.
func TestIdlePersistsAndEmits(t *testing.T) {
	store := newMemStore()
	b := bus.New()
	idleEvents := 0
	b.Subscribe(bus.TopicSessionIdle, func(bus.Event) { idleEvents++ })

	m := NewManager(store, b, time.Hour)
	s := m.Resolve(bus.InboundMessage{Channel: "cli", SenderID: "me"})
	m.AppendMessage(s, providers.Message{Role: "user", Content: "hi"})

	m.Idle(s.ID)
	m.Idle(s.ID) // second call is a no-op

	if idleEvents != 1 {
		t.Errorf("session.idle emitted %d times, want 1", idleEvents)
	}
	saved, err := store.Load(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("session was not persisted: %v", err)
	}
	if saved.State != StateIdle || saved.MessageCount != 1 {
		t.Errorf("persisted snapshot = state %s, count %d", saved.State, saved.MessageCount)
	}
}

// TestResolveResumesIdle verifies resolving an idle session reactivates
// it and emits session.resumed.
func TestResolveResumesIdle(t *testing.T) {
	b := bus.New()
	resumed := 0
	b.Subscribe(bus.TopicSessionResumed, func(bus.Event) { resumed++ })

	m := NewManager(newMemStore(), b, time.Hour)
	msg := bus.InboundMessage{Channel: "cli", SenderID: "me"}
	s := m.Resolve(msg)
	m.Idle(s.ID)

	again := m.Resolve(msg)
	if again.ID != s.ID {
		t.Error("idle session should be reused, not replaced")
	}
	if again.State != StateActive {
		t.Errorf("state = %s, want active", again.State)
	}
	if resumed != 1 {
		t.Errorf("session.resumed emitted %d times, want 1", resumed)
	}
}

func TestResumeFromStore(t *testing.T) {
	store := newMemStore()
	store.Save(context.Background(), &Session{ID: "persisted", State: StateIdle})

	m := NewManager(store, bus.New(), time.Hour)

	s, err := m.Resume(context.Background(), "persisted")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.State != StateActive {
		t.Errorf("state = %s, want active", s.State)
	}

	if _, err := m.Resume(context.Background(), "missing"); err == nil {
		t.Error("Resume(missing) should fail")
	}
}

func TestShutdownPersistsAll(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, bus.New(), time.Hour)

	m.Resolve(bus.InboundMessage{Channel: "cli", SenderID: "a"})
	m.Resolve(bus.InboundMessage{Channel: "cli", SenderID: "b"})

	m.Shutdown(context.Background())

	list, _ := store.List(context.Background())
	if len(list) != 2 {
		t.Errorf("persisted %d sessions, want 2", len(list))
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	s := &Session{ID: "x", Messages: []providers.Message{{Role: "user", Content: "a"}}}
	snap := s.Snapshot()

	s.Messages = append(s.Messages, providers.Message{Role: "user", Content: "b"})
	if len(snap.Messages) != 1 {
		t.Error("snapshot shares message slice with original")
	}
}

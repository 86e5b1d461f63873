package bus

import (
	"testing"
)

// TestEmitOrder verifies handlers run synchronously in registration order.
func TestEmitOrder(t *testing.T) {
	b := New()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		b.Subscribe(TopicMessageInbound, func(Event) { order = append(order, i) })
	}

	b.Emit(TopicMessageInbound, nil)

	if len(order) != 3 {
		t.Fatalf("expected 3 handler invocations, got %d", len(order))
	}
	for i, got := range order {
		if got != i+1 {
			t.Errorf("handler %d ran at position %d", got, i)
		}
	}
}

// TestHandlerPanicIsolation verifies a panicking handler does not stop
// its siblings.
func TestHandlerPanicIsolation(t *testing.T) {
	b := New()

	b.Subscribe(TopicToolExecute, func(Event) { panic("boom") })

	called := false
	b.Subscribe(TopicToolExecute, func(Event) { called = true })

	b.Emit(TopicToolExecute, ToolExecutePayload{Tool: "x"})

	if !called {
		t.Error("second handler did not run after first panicked")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	id := b.Subscribe(TopicSessionIdle, func(Event) { calls++ })

	b.Emit(TopicSessionIdle, SessionPayload{SessionID: "a"})
	b.Unsubscribe(TopicSessionIdle, id)
	b.Emit(TopicSessionIdle, SessionPayload{SessionID: "b"})

	if calls != 1 {
		t.Errorf("expected 1 call after unsubscribe, got %d", calls)
	}
	if n := b.ListenerCount(TopicSessionIdle); n != 0 {
		t.Errorf("expected 0 listeners, got %d", n)
	}
}

// TestSubscribeDuringDispatch verifies emissions iterate a snapshot:
// a handler registered mid-dispatch only fires on the next emission.
func TestSubscribeDuringDispatch(t *testing.T) {
	b := New()

	lateCalls := 0
	b.Subscribe(TopicAgentThinking, func(Event) {
		b.Subscribe(TopicAgentThinking, func(Event) { lateCalls++ })
	})

	b.Emit(TopicAgentThinking, AgentThinkingPayload{SessionID: "s"})
	if lateCalls != 0 {
		t.Fatalf("late handler fired during the emission that registered it")
	}

	b.Emit(TopicAgentThinking, AgentThinkingPayload{SessionID: "s"})
	if lateCalls != 1 {
		t.Errorf("expected late handler to fire once, got %d", lateCalls)
	}
}

func TestTopicsListsActiveOnly(t *testing.T) {
	b := New()
	id := b.Subscribe(TopicCronJobStarted, func(Event) {})
	b.Subscribe(TopicMessageOutbound, func(Event) {})

	topics := b.Topics()
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", topics)
	}

	b.Unsubscribe(TopicCronJobStarted, id)
	topics = b.Topics()
	if len(topics) != 1 || topics[0] != TopicMessageOutbound {
		t.Errorf("expected only message.outbound, got %v", topics)
	}
}

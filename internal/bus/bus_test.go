package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("messages.", 10)
	defer unsub()

	b.Emit(KindMessagesChanged, MessagesChanged{ConversationID: "c1", Version: 3})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessagesChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessagesChanged)
		}
		p, ok := evt.Payload.(MessagesChanged)
		if !ok || p.Version != 3 {
			t.Errorf("payload = %#v, want version 3", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sessions.", 10)
	defer unsub()

	b.Emit(KindMessagesChanged, nil)
	b.Emit(KindSessionsChanged, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindSessionsChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindSessionsChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestRemoteNamespaceIsExact guards against a path matching a longer sibling,
// e.g. conversation "c1" receiving events for conversation "c10".
func TestRemoteNamespaceIsExact(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(RemoteNamespace("messages/c1"), 10)
	defer unsub()

	b.Emit(RemoteKind("messages/c10", "add"), nil)
	b.Emit(RemoteKind("messages/c1", "add"), nil)

	evt := <-ch
	if evt.Kind != "remote.messages/c1.add" {
		t.Errorf("got %q, want remote.messages/c1.add", evt.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("typing.", 10)
	unsub()
	unsub()

	b.Emit(KindTypingChanged, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Emit(KindSessionsChanged, nil)
}

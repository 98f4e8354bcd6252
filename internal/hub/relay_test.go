package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agent-hub/internal/config"
	"github.com/ashureev/agent-hub/internal/domain"
)

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		SendTimeout:   200 * time.Millisecond,
		IncludeSender: false,
		OutboundQueue: 64,
	}
}

// drainEvent reads one frame from the session's outbound channel.
func drainEvent(t *testing.T, s *Session, timeout time.Duration) *NewMessageEvent {
	t.Helper()
	select {
	case payload := <-s.Out():
		var ev NewMessageEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return &ev
	case <-time.After(timeout):
		t.Fatal("no event within timeout")
		return nil
	}
}

func TestRelayDeliversToSubscribersExcludingSender(t *testing.T) {
	reg := NewRegistry()
	sender := newTestSession("aaaaaaa", 2)
	receiver := newTestSession("bbbbbbb", 3)
	outsider := newTestSession("ccccccc", 4)
	for _, s := range []*Session{sender, receiver, outsider} {
		reg.Register(s)
	}
	sender.Subscribe(1)
	receiver.Subscribe(1)
	// outsider is not subscribed.

	relay := NewRelay(reg, testRelayConfig())
	defer relay.Close()

	relay.Dispatch(&domain.Message{
		ID: 10, ConversationID: 1, SenderID: 2,
		Kind: domain.KindMessage, Content: "Saluton", CreatedAt: time.Now(),
	}, "Claude")

	ev := drainEvent(t, receiver, time.Second)
	if ev.Type != FrameNewMessage || ev.ID != 10 || ev.SenderID != 2 {
		t.Errorf("event = %+v", ev)
	}
	if ev.SenderName != "Claude" || ev.Content != "Saluton" {
		t.Errorf("event payload = %+v", ev)
	}

	// The sender and the non-subscriber receive nothing.
	select {
	case payload := <-sender.Out():
		t.Errorf("sender received %s", payload)
	case payload := <-outsider.Out():
		t.Errorf("outsider received %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayIncludeSenderOptIn(t *testing.T) {
	reg := NewRegistry()
	sender := newTestSession("aaaaaaa", 2)
	reg.Register(sender)
	sender.Subscribe(1)

	cfg := testRelayConfig()
	cfg.IncludeSender = true
	relay := NewRelay(reg, cfg)
	defer relay.Close()

	relay.Dispatch(&domain.Message{
		ID: 1, ConversationID: 1, SenderID: 2,
		Kind: domain.KindMessage, Content: "echo", CreatedAt: time.Now(),
	}, "Claude")

	if ev := drainEvent(t, sender, time.Second); ev.Content != "echo" {
		t.Errorf("event = %+v", ev)
	}
}

func TestRelayOrderWithinConversation(t *testing.T) {
	reg := NewRegistry()
	receiver := newTestSession("bbbbbbb", 3)
	reg.Register(receiver)
	receiver.Subscribe(1)

	relay := NewRelay(reg, testRelayConfig())
	defer relay.Close()

	for i := int64(1); i <= 20; i++ {
		relay.Dispatch(&domain.Message{
			ID: i, ConversationID: 1, SenderID: 2,
			Kind: domain.KindMessage, Content: "m", CreatedAt: time.Now(),
		}, "Claude")
	}

	var last int64
	for i := 0; i < 20; i++ {
		ev := drainEvent(t, receiver, time.Second)
		if ev.ID <= last {
			t.Fatalf("order violated: %d after %d", ev.ID, last)
		}
		last = ev.ID
	}
}

func TestRelaySlowRecipientDoesNotBlockOthers(t *testing.T) {
	reg := NewRegistry()
	// One-slot queue that nobody drains: second delivery times out.
	stuck := NewSession("aaaaaaa", SessionProfile{ID: 3}, 1, time.Now())
	healthy := newTestSession("bbbbbbb", 4)
	reg.Register(stuck)
	reg.Register(healthy)
	stuck.Subscribe(1)
	healthy.Subscribe(1)

	cfg := testRelayConfig()
	cfg.SendTimeout = 50 * time.Millisecond
	relay := NewRelay(reg, cfg)
	defer relay.Close()

	for i := int64(1); i <= 2; i++ {
		relay.Dispatch(&domain.Message{
			ID: i, ConversationID: 1, SenderID: 2,
			Kind: domain.KindMessage, Content: "m", CreatedAt: time.Now(),
		}, "Claude")
	}

	// The healthy recipient still gets both events.
	if ev := drainEvent(t, healthy, 2*time.Second); ev.ID != 1 {
		t.Errorf("first event id = %d", ev.ID)
	}
	if ev := drainEvent(t, healthy, 2*time.Second); ev.ID != 2 {
		t.Errorf("second event id = %d", ev.ID)
	}

	// The stuck one is flagged for the liveness engine.
	deadline := time.Now().Add(time.Second)
	for !stuck.Suspect() {
		if time.Now().After(deadline) {
			t.Fatal("stuck transport never flagged suspect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayCloseDrainsQueues(t *testing.T) {
	reg := NewRegistry()
	receiver := newTestSession("bbbbbbb", 3)
	reg.Register(receiver)
	receiver.Subscribe(1)

	relay := NewRelay(reg, testRelayConfig())
	relay.Dispatch(&domain.Message{
		ID: 1, ConversationID: 1, SenderID: 2,
		Kind: domain.KindMessage, Content: "last words", CreatedAt: time.Now(),
	}, "Claude")
	relay.Close()

	if ev := drainEvent(t, receiver, time.Second); ev.Content != "last words" {
		t.Errorf("event = %+v", ev)
	}

	// Dispatch after close must not panic; the message is dropped.
	relay.Dispatch(&domain.Message{ID: 2, ConversationID: 1, SenderID: 2}, "Claude")
}

func TestRelayDispatchRacesClose(t *testing.T) {
	// Graceful shutdown races in-flight dispatches; neither side may
	// panic or deadlock.
	for i := 0; i < 200; i++ {
		reg := NewRegistry()
		relay := NewRelay(reg, testRelayConfig())

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					relay.Dispatch(&domain.Message{
						ID:             int64(g*25 + j + 1),
						ConversationID: int64(g%4 + 1),
						SenderID:       2,
						Kind:           domain.KindMessage,
						Content:        "m",
					}, "Claude")
				}
			}(g)
		}

		relay.Close()
		wg.Wait()
	}
}

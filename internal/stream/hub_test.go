package stream

import (
	"strconv"
	"testing"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

func testEvent(id string) *domain.Event {
	return &domain.Event{
		ID:        id,
		Type:      domain.EventConnectionRequest,
		ExpiresAt: time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
	}
}

func TestHub_PublishReachesEveryConnection(t *testing.T) {
	hub := NewHub()
	first := hub.Subscribe("agent-1")
	second := hub.Subscribe("agent-1")
	other := hub.Subscribe("agent-2")

	if n := hub.Subscribers("agent-1"); n != 2 {
		t.Fatalf("Expected 2 subscribers, got %d", n)
	}

	hub.Publish("agent-1", testEvent("ev-1"))

	for i, sub := range []*Subscription{first, second} {
		select {
		case f := <-sub.Frames():
			if f.Type != FrameEventAvailable || f.EventID != "ev-1" || f.EventType != domain.EventConnectionRequest {
				t.Errorf("subscriber %d: unexpected frame %+v", i, f)
			}
		default:
			t.Errorf("subscriber %d: expected a frame", i)
		}
	}

	select {
	case f := <-other.Frames():
		t.Errorf("Expected no frame for another agent, got %+v", f)
	default:
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("agent-1")

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	if _, ok := <-sub.Frames(); ok {
		t.Error("Expected closed frame channel")
	}
	if n := hub.Subscribers("agent-1"); n != 0 {
		t.Errorf("Expected 0 subscribers, got %d", n)
	}

	// Publishing to an agent without connections is a no-op.
	hub.Publish("agent-1", testEvent("ev-1"))
}

func TestHub_SlowSubscriberDropsFrames(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("agent-1")

	for i := 0; i < subscriberBuffer*2; i++ {
		hub.Publish("agent-1", testEvent("ev-"+strconv.Itoa(i)))
	}

	if n := len(sub.Frames()); n != subscriberBuffer {
		t.Errorf("Expected %d buffered frames, got %d", subscriberBuffer, n)
	}
}

func TestHub_ConcurrentAccess(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			sub := hub.Subscribe("agent-1")
			hub.Unsubscribe(sub)
		}
	}()

	for i := 0; i < 500; i++ {
		hub.Publish("agent-1", testEvent("ev"))
	}
	<-done
}

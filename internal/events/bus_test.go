package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()

	ch, cleanup := bus.Subscribe(ctx, Filter{}, 10)
	defer cleanup()

	event := Event{
		Type:           EventLeadProcessed,
		LeadID:         "lead-1",
		ConversationID: "conv-1",
		Payload:        LeadProcessedPayload{LeadID: "lead-1", ConversationID: "conv-1", Outcome: 0.9},
	}

	if err := bus.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case received := <-ch:
		if received.Type != EventLeadProcessed {
			t.Errorf("expected lead.processed, got %v", received.Type)
		}
		if received.LeadID != "lead-1" {
			t.Errorf("expected lead-1, got %v", received.LeadID)
		}
		if received.Timestamp.IsZero() {
			t.Error("expected publish to stamp the timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_FilterByType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()

	ch, cleanup := bus.Subscribe(ctx, Filter{
		Types: []EventType{EventHandoffFailed},
	}, 10)
	defer cleanup()

	bus.Publish(ctx, Event{Type: EventLeadProcessed, LeadID: "lead-1"})
	bus.Publish(ctx, Event{Type: EventHandoffFailed, LeadID: "lead-1"})

	select {
	case received := <-ch:
		if received.Type != EventHandoffFailed {
			t.Errorf("expected handoff.failed, got %v", received.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for handoff.failed")
	}

	select {
	case received := <-ch:
		t.Errorf("received filtered-out event: %v", received.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_FilterByLead(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()

	ch, cleanup := bus.Subscribe(ctx, Filter{LeadID: "lead-1"}, 10)
	defer cleanup()

	bus.Publish(ctx, Event{Type: EventLeadProcessed, LeadID: "lead-2"})
	bus.Publish(ctx, Event{Type: EventLeadProcessed, LeadID: "lead-1"})

	select {
	case received := <-ch:
		if received.LeadID != "lead-1" {
			t.Errorf("expected lead-1, got %v", received.LeadID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_FilterByAgent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()

	ch, cleanup := bus.Subscribe(ctx, Filter{AgentID: "engage-1"}, 10)
	defer cleanup()

	bus.Publish(ctx, Event{Type: EventAgentStatus, AgentID: "triage-1"})
	bus.Publish(ctx, Event{Type: EventAgentStatus, AgentID: "engage-1"})

	select {
	case received := <-ch:
		if received.AgentID != "engage-1" {
			t.Errorf("expected engage-1, got %v", received.AgentID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_AllSubscribersReceive(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()

	const subscribers = 5
	channels := make([]<-chan Event, subscribers)
	for i := 0; i < subscribers; i++ {
		ch, cleanup := bus.Subscribe(ctx, Filter{}, 10)
		defer cleanup()
		channels[i] = ch
	}

	bus.Publish(ctx, Event{Type: EventLeadProcessed, LeadID: "lead-1"})

	for i, ch := range channels {
		select {
		case received := <-ch:
			if received.LeadID != "lead-1" {
				t.Errorf("subscriber %d: wrong event %v", i, received.LeadID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timeout", i)
		}
	}
}

func TestBus_SlowConsumerDropsWithoutBlocking(t *testing.T) {
	var drops atomic.Int64
	bus := NewBus(WithErrorHandler(func(err error, ctx map[string]any) {
		drops.Add(1)
	}))
	defer bus.Close()

	ctx := context.Background()

	// Buffer of one, never drained.
	_, cleanup := bus.Subscribe(ctx, Filter{}, 1)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			bus.Publish(ctx, Event{Type: EventAgentStatus, AgentID: "engage-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if got := drops.Load(); got != 4 {
		t.Errorf("expected 4 dropped events, got %d", got)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()

	const publishers = 8
	const perPublisher = 50

	ch, cleanup := bus.Subscribe(ctx, Filter{}, publishers*perPublisher)
	defer cleanup()

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(ctx, Event{Type: EventAgentStatus})
			}
		}()
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-ch:
			received++
			if received == publishers*perPublisher {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("received %d of %d events", received, publishers*perPublisher)
		}
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	if err := bus.Publish(context.Background(), Event{Type: EventAgentStatus}); err == nil {
		t.Error("expected publish on a closed bus to fail")
	}
}

func TestBus_CloseClosesSubscriberChannels(t *testing.T) {
	bus := NewBus()

	ch, cleanup := bus.Subscribe(context.Background(), Filter{}, 10)
	defer cleanup()

	bus.Close()

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after bus Close")
	}

	if err := bus.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestBus_CleanupIsIdempotent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cleanup := bus.Subscribe(context.Background(), Filter{}, 10)
	cleanup()
	cleanup()

	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("expected 0 subscribers, got %d", got)
	}
}

func TestBus_SubscriberCount(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()

	_, cleanup1 := bus.Subscribe(ctx, Filter{}, 10)
	_, cleanup2 := bus.Subscribe(ctx, Filter{}, 10)

	if got := bus.SubscriberCount(); got != 2 {
		t.Errorf("expected 2 subscribers, got %d", got)
	}

	cleanup1()
	if got := bus.SubscriberCount(); got != 1 {
		t.Errorf("expected 1 subscriber, got %d", got)
	}

	cleanup2()
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("expected 0 subscribers, got %d", got)
	}
}

func TestFilter_Matches(t *testing.T) {
	event := Event{
		Type:    EventHandoffFailed,
		LeadID:  "lead-1",
		AgentID: "engage-1",
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches", Filter{}, true},
		{"matching type", Filter{Types: []EventType{EventHandoffFailed}}, true},
		{"non-matching type", Filter{Types: []EventType{EventLeadProcessed}}, false},
		{"matching lead", Filter{LeadID: "lead-1"}, true},
		{"non-matching lead", Filter{LeadID: "lead-2"}, false},
		{"matching agent", Filter{AgentID: "engage-1"}, true},
		{"non-matching agent", Filter{AgentID: "triage-1"}, false},
		{"all criteria must hold", Filter{Types: []EventType{EventHandoffFailed}, LeadID: "lead-2"}, false},
		{"broadcast type is opaque", Filter{Types: []EventType{"campaign.refresh"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(event); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

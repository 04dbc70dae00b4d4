package events

import (
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskStartedEvent{
		ID:        "task-1",
		Branch:    "task/task-1",
		AgentRole: "coder",
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.Subject() != "task-1" {
			t.Errorf("expected subject 'task-1', got '%s'", received.Subject())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskCompletedEvent{ID: "task-2", Duration: 100 * time.Millisecond, Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Subject() != "task-2" {
				t.Errorf("subscriber %d: expected subject 'task-2', got '%s'", i+1, received.Subject())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicQueue, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicQueue, QueueItemEvent{Type: EventTypeQueueStarted, Branch: "b", Timestamp: time.Now()})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}

	select {
	case received := <-ch:
		if received == nil {
			t.Error("received nil event")
		}
	default:
		t.Error("expected at least one event in buffer")
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for range ch {
		t.Error("unexpected event after close")
	}
	for range all {
		t.Error("unexpected event after close")
	}

	// Subscribing after close yields a closed channel.
	if _, ok := <-bus.Subscribe(TopicTask, 1); ok {
		t.Error("expected closed channel from Subscribe after Close")
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Publish(TopicTask, TaskFailedEvent{ID: "task-1", Timestamp: time.Now()})
}

// TestEmitRoutesByType verifies Emit picks the topic from the event type.
func TestEmitRoutesByType(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	queueCh := bus.Subscribe(TopicQueue, 10)
	schedCh := bus.Subscribe(TopicSchedule, 10)

	Emit(bus, QueueItemEvent{Type: EventTypeQueueRetry, Branch: "feature/x", RetryCount: 1})
	Emit(bus, BatchScheduledEvent{TaskIDs: []string{"a", "b"}, ParallelismScore: 0.9})
	Emit(nil, QueueStatsEvent{})

	select {
	case ev := <-queueCh:
		if ev.EventType() != EventTypeQueueRetry || ev.Subject() != "feature/x" {
			t.Errorf("unexpected queue event: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("queue channel: timeout waiting for event")
	}

	select {
	case ev := <-schedCh:
		if ev.EventType() != EventTypeBatchScheduled {
			t.Errorf("unexpected schedule event: %s", ev.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("schedule channel: timeout waiting for event")
	}

	select {
	case <-queueCh:
		t.Error("queue channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestTopicOf(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{TaskStartedEvent{}, TopicTask},
		{BatchScheduledEvent{}, TopicSchedule},
		{QueueItemEvent{Type: EventTypeQueueCompleted}, TopicQueue},
		{QueueStatsEvent{}, TopicQueue},
		{QueueItemEvent{Type: "bare"}, "bare"},
	}
	for _, tt := range tests {
		if got := TopicOf(tt.event); got != tt.want {
			t.Errorf("TopicOf(%s) = %q, want %q", tt.event.EventType(), got, tt.want)
		}
	}
}

// TestSubscribeAll verifies that SubscribeAll receives events from all topics.
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, TaskStartedEvent{ID: "task-1"})
	bus.Publish(TopicQueue, QueueItemEvent{Type: EventTypeQueueEnqueued, Branch: "b"})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTypeTaskStarted] {
		t.Error("SubscribeAll did not receive task event")
	}
	if !receivedTypes[EventTypeQueueEnqueued] {
		t.Error("SubscribeAll did not receive queue event")
	}
}

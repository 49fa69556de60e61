package events

import (
	"testing"
	"time"

	"github.com/planweave/planweave/internal/pool"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	event := TaskTransitionEvent{
		Plan:      "p1",
		TaskID:    "1_2",
		OldStatus: "undone",
		NewStatus: "doing",
		Timestamp: time.Now(),
	}
	bus.Publish(TopicTask, event)

	select {
	case received := <-ch:
		if received.PlanID() != "p1" {
			t.Errorf("plan id = %q, want %q", received.PlanID(), "p1")
		}
		if received.EventType() != EventTypeTaskTransition {
			t.Errorf("event type = %q, want %q", received.EventType(), EventTypeTaskTransition)
		}
		tr, ok := received.(TaskTransitionEvent)
		if !ok {
			t.Fatalf("event is %T, want TaskTransitionEvent", received)
		}
		if tr.OldStatus != "undone" || tr.NewStatus != "doing" {
			t.Errorf("transition = %s -> %s", tr.OldStatus, tr.NewStatus)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies every subscriber receives the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicRun, 10)
	ch2 := bus.Subscribe(TopicRun, 10)

	bus.Publish(TopicRun, RunFinishedEvent{Plan: "p1", Result: "succeeded", Completed: 3, Total: 3})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.EventType() != EventTypeRunFinished {
				t.Errorf("subscriber %d: event type = %q", i+1, received.EventType())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestTopicIsolation verifies events only reach their own topic.
func TestTopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	poolCh := bus.Subscribe(TopicPool, 10)

	bus.Publish(TopicPool, PoolStatsEvent{Plan: "p1", Stats: pool.Stats{Role: pool.RoleExecutor, Total: 7, Idle: 7}})

	select {
	case e := <-taskCh:
		t.Fatalf("task subscriber received %T from pool topic", e)
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-poolCh:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("pool subscriber did not receive event")
	}
}

// TestSubscribeAll verifies the firehose sees every topic.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)

	bus.Publish(TopicTask, TaskTransitionEvent{Plan: "p1", TaskID: "1"})
	bus.Publish(TopicRun, RunStartedEvent{Plan: "p1", Total: 5})

	got := 0
	timeout := time.After(200 * time.Millisecond)
	for got < 2 {
		select {
		case <-all:
			got++
		case <-timeout:
			t.Fatalf("firehose received %d events, want 2", got)
		}
	}
}

// TestPublishNonBlocking verifies a full subscriber buffer drops events
// instead of blocking the publisher.
func TestPublishNonBlocking(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TopicTask, TaskTransitionEvent{Plan: "p1", TaskID: "1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	// At least the first event made it through.
	select {
	case <-ch:
	default:
		t.Fatal("no event delivered")
	}
}

// TestCloseIdempotent verifies Close is safe to call twice and closes
// subscriber channels.
func TestCloseIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 1)

	bus.Close()
	bus.Close()

	if _, open := <-ch; open {
		t.Error("subscriber channel still open after Close")
	}

	// Publish after close must not panic.
	bus.Publish(TopicTask, TaskTransitionEvent{Plan: "p1", TaskID: "1"})

	// Subscribe after close returns a closed channel.
	if _, open := <-bus.Subscribe(TopicTask, 1); open {
		t.Error("Subscribe after Close returned an open channel")
	}
}

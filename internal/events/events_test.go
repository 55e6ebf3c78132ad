package events

import (
	"testing"
	"time"

	"github.com/intakeflow/intakeflow/internal/models"
)

func TestPublishReachesSessionSubscribers(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("session_a")
	defer cancel()

	bus.Publish(models.Event{Event: models.EventNodeEntered, SessionID: "session_a", NodeID: "collect_first_name"})

	select {
	case ev := <-ch:
		if ev.Event != models.EventNodeEntered || ev.NodeID != "collect_first_name" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishIsScopedPerSession(t *testing.T) {
	bus := NewBus()
	chA, cancelA := bus.Subscribe("session_a")
	defer cancelA()
	chB, cancelB := bus.Subscribe("session_b")
	defer cancelB()

	bus.Publish(models.Event{Event: models.EventUserHeard, SessionID: "session_a", Text: "hello"})

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("session_a subscriber missed its event")
	}
	select {
	case ev := <-chB:
		t.Errorf("session_b received foreign event: %+v", ev)
	default:
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		bus.Publish(models.Event{Event: models.EventSessionStarted, SessionID: "session_nobody"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe("session_slow")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultBufferSize+10; i++ {
			bus.Publish(models.Event{Event: models.EventUserHeard, SessionID: "session_slow"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("session_a")
	cancel()
	// Cancel twice is safe.
	cancel()

	bus.Publish(models.Event{Event: models.EventCompleted, SessionID: "session_a"})

	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}
}

package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeTaskStarted, Data: "payload"})

	select {
	case ev := <-ch:
		if ev.Type != TypeTaskStarted || ev.Data != "payload" {
			t.Fatalf("got %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Fatalf("publish did not stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeTaskStarted})
	b.Publish(Event{Type: TypeTaskCompleted})

	snap := b.Snapshot()
	if snap.Published != 2 {
		t.Fatalf("published=%d, want 2", snap.Published)
	}
	if snap.Dropped != 1 {
		t.Fatalf("dropped=%d, want 1", snap.Dropped)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // second call is a no-op

	b.Publish(Event{Type: TypeLoaderMilestone})
	if _, open := <-ch; open {
		t.Fatalf("channel still open after unsubscribe")
	}
	if n := b.Snapshot().Subscribers; n != 0 {
		t.Fatalf("subscribers=%d, want 0", n)
	}
}

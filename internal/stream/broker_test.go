package stream

import "testing"

func TestPublishFIFOPerSubscriber(t *testing.T) {
	b := NewBroker(8)
	b.Open("run-1")
	sub, ok := b.Subscribe("run-1")
	if !ok {
		t.Fatal("subscribe to open run")
	}
	for _, msg := range []string{"one", "two", "three"} {
		b.Publish("run-1", Event{RunID: "run-1", Message: msg})
	}
	for _, want := range []string{"one", "two", "three"} {
		ev := <-sub.Events()
		if ev.Message != want {
			t.Fatalf("got %q, want %q", ev.Message, want)
		}
	}
}

func TestDropOldestNeverBlocks(t *testing.T) {
	b := NewBroker(2)
	b.Open("run-1")
	sub, _ := b.Subscribe("run-1")
	// Publish well past capacity without any consumer; must not block.
	for i := 0; i < 10; i++ {
		b.Publish("run-1", Event{Message: string(rune('a' + i))})
	}
	first := <-sub.Events()
	second := <-sub.Events()
	if first.Message != "i" || second.Message != "j" {
		t.Fatalf("expected the newest two events, got %q %q", first.Message, second.Message)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("queue should be drained, got %+v", ev)
	default:
	}
}

func TestSubscribeUnknownRun(t *testing.T) {
	b := NewBroker(0)
	if _, ok := b.Subscribe("missing"); ok {
		t.Fatal("subscribe to unknown run must report false")
	}
	// Publishing to an unknown run is a silent no-op.
	b.Publish("missing", Event{Message: "lost"})
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroker(4)
	b.Open("run-1")
	sub, _ := b.Subscribe("run-1")
	b.Unsubscribe("run-1", sub)
	b.Unsubscribe("run-1", sub)
	b.Unsubscribe("run-1", nil)
	if _, open := <-sub.Events(); open {
		t.Fatal("unsubscribed channel must be closed")
	}
	if n := b.SubscriberCount("run-1"); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
}

func TestCloseRunDeliversTerminalExactlyOnce(t *testing.T) {
	b := NewBroker(4)
	b.Open("run-1")
	one, _ := b.Subscribe("run-1")
	two, _ := b.Subscribe("run-1")

	final := Event{RunID: "run-1", Message: "run completed", Complete: true, DBStatus: "completed"}
	b.CloseRun("run-1", final)
	b.CloseRun("run-1", final) // second close is a no-op

	for _, sub := range []*Subscriber{one, two} {
		var terminals int
		for ev := range sub.Events() {
			if ev.Complete {
				terminals++
			}
		}
		if terminals != 1 {
			t.Fatalf("terminal events = %d, want exactly 1", terminals)
		}
	}

	if _, ok := b.Subscribe("run-1"); ok {
		t.Fatal("subscribe after close must report false")
	}
	b.Publish("run-1", Event{Message: "late"})
}

func TestOpenIsIdempotent(t *testing.T) {
	b := NewBroker(4)
	b.Open("run-1")
	sub, _ := b.Subscribe("run-1")
	b.Open("run-1")
	b.Publish("run-1", Event{Message: "still here"})
	if ev := <-sub.Events(); ev.Message != "still here" {
		t.Fatalf("re-open dropped subscribers: %+v", ev)
	}
}

package eventbus

import "testing"

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	ops, unsubOps := b.Subscribe(4, "operation.")
	defer unsubOps()
	exact, unsubExact := b.Subscribe(4, "connections.started")
	defer unsubExact()

	b.Publish(Event{Type: "operation.completed"})
	b.Publish(Event{Type: "connections.started"})
	b.Publish(Event{Type: "connections.finished"})

	if got := len(all); got != 3 {
		t.Fatalf("all subscriber got %d events, want 3", got)
	}
	if got := len(ops); got != 1 {
		t.Fatalf("prefix subscriber got %d events, want 1", got)
	}
	if e := <-exact; e.Type != "connections.started" || e.Time.IsZero() {
		t.Fatalf("exact subscriber got %+v", e)
	}
	if got := len(exact); got != 0 {
		t.Fatalf("exact subscriber has %d extra events", got)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped()=%d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}

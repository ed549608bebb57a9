package connmgr

import (
	"errors"
	"testing"
)

func TestGroupCancelSkipsStaleKeys(t *testing.T) {
	t.Parallel()

	g := newGated()
	res := newResults()
	m := newTestManager(t, Config{Queues: map[string]QueueConfig{"": {MaxConcurrent: 1}}}, g)

	done := m.Submit(get("https://h/done"), WithCompletion(res.fn()))
	g.next(t).succeed("")
	res.wait(t, done)

	running := m.Submit(get("https://h/running"), WithCompletion(res.fn()))
	g.next(t)
	pending := m.Submit(get("https://h/pending"), WithCompletion(res.fn()))

	grp := m.NewGroup(done, running, pending, Key(999))
	n, err := grp.Cancel()
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled=%d, want 2", n)
	}
	for _, k := range []Key{running, pending} {
		if r := res.wait(t, k); !errors.Is(r.Err, ErrCancelled) {
			t.Fatalf("key %d err=%v", k, r.Err)
		}
	}
	settle(t, m)
	if res.count(done) != 1 {
		t.Fatalf("completed key delivered %d times", res.count(done))
	}
}

func TestGroupPauseResume(t *testing.T) {
	t.Parallel()

	g := newGated()
	res := newResults()
	m := newTestManager(t, Config{Queues: map[string]QueueConfig{"": {MaxConcurrent: 1}}}, g)

	running := m.Submit(get("https://h/running"), WithCompletion(res.fn()))
	g.next(t)
	pending := m.Submit(get("https://h/pending"), WithCompletion(res.fn()))
	other := m.Submit(get("https://h/other"), WithCompletion(res.fn()))

	grp := m.NewGroup(running, pending)
	if n, err := grp.Pause(); err != nil || n != 2 {
		t.Fatalf("pause = (%d, %v)", n, err)
	}
	if r := res.wait(t, running); !errors.Is(r.Err, ErrCancelled) {
		t.Fatalf("paused executing op err=%v", r.Err)
	}

	// The held pending op is skipped; unrelated work runs.
	c := g.next(t)
	if c.req.URL != "https://h/other" {
		t.Fatalf("next=%s, want other", c.req.URL)
	}
	c.succeed("")
	res.wait(t, other)
	g.none(t)

	if n, err := grp.SetPriority(High); err != nil || n != 2 {
		t.Fatalf("set priority = (%d, %v)", n, err)
	}
	if n, err := grp.Resume(); err != nil || n != 2 {
		t.Fatalf("resume = (%d, %v)", n, err)
	}
	keys := grp.Keys()
	if len(keys) != 2 || keys[0] != pending || keys[1] == running {
		t.Fatalf("keys after resume=%v (running=%d pending=%d)", keys, running, pending)
	}
	resumed := keys[1]
	if op, ok := m.Lookup(resumed); !ok || op.Priority() != High || op.Request().URL != "https://h/running" {
		t.Fatalf("resumed op lookup ok=%v", ok)
	}

	// The resumed duplicate keeps its original slot ahead of pending.
	first := g.next(t)
	if first.req.URL != "https://h/running" {
		t.Fatalf("first=%s, want running", first.req.URL)
	}
	first.succeed("")
	second := g.next(t)
	if second.req.URL != "https://h/pending" {
		t.Fatalf("second=%s, want pending", second.req.URL)
	}
	second.succeed("")
	res.wait(t, resumed)
	res.wait(t, pending)
}

func TestInvalidGroup(t *testing.T) {
	t.Parallel()

	var nilGroup *Group
	if _, err := nilGroup.Cancel(); !errors.Is(err, ErrInvalidGroup) {
		t.Fatalf("nil group err=%v", err)
	}
	if _, err := (&Group{}).Pause(); !errors.Is(err, ErrInvalidGroup) {
		t.Fatalf("unbound group err=%v", err)
	}
	nilGroup.Add(1)
	if nilGroup.Len() != 0 {
		t.Fatalf("nil group has keys")
	}
}

func TestGroupMembership(t *testing.T) {
	t.Parallel()

	grp := (&Manager{}).NewGroup(3, 1, NoKey)
	grp.Add(2)
	grp.Add(2)
	grp.Remove(3)
	grp.Remove(42)
	if got := grp.Keys(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("keys=%v", got)
	}
}

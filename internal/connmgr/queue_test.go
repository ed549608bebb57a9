package connmgr

import (
	"context"
	"testing"

	"connq/internal/transport"
)

type queueRecorder struct {
	launched []*Operation
	busy     []bool
}

func newRecordedQueue(limit int) (*queue, *queueRecorder) {
	rec := &queueRecorder{}
	q := newQueue(context.Background(), "q", limit, 0, queueHooks{
		launch: func(_ *queue, op *Operation) { rec.launched = append(rec.launched, op) },
		busy:   func(_ string, b bool) { rec.busy = append(rec.busy, b) },
	})
	return q, rec
}

func enqueueOp(t *testing.T, q *queue, url string, p Priority) *Operation {
	t.Helper()
	op := NewOperation(transport.Request{URL: url}, WithPriority(p))
	if err := q.enqueue(op, 0, func() error { return nil }); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return op
}

func TestQueueOrdering(t *testing.T) {
	t.Parallel()

	q, rec := newRecordedQueue(1)
	first := enqueueOp(t, q, "first", Normal)
	low := enqueueOp(t, q, "low", Low)
	high := enqueueOp(t, q, "high", High)
	normal := enqueueOp(t, q, "normal", Normal)

	if len(rec.launched) != 1 || rec.launched[0] != first || first.State() != StateExecuting {
		t.Fatalf("launched=%v", rec.launched)
	}
	for _, want := range []*Operation{high, normal, low} {
		prev := len(rec.launched)
		q.finish(rec.launched[prev-1])
		if len(rec.launched) != prev+1 || rec.launched[prev] != want {
			t.Fatalf("promoted %s, want %s", rec.launched[len(rec.launched)-1].request.URL, want.request.URL)
		}
	}
	q.finish(low)
	if got := rec.busy; len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("busy transitions=%v", got)
	}
}

func TestQueueFreezeLeavesPending(t *testing.T) {
	t.Parallel()

	q, rec := newRecordedQueue(1)
	running := enqueueOp(t, q, "running", Normal)
	pending := enqueueOp(t, q, "pending", Normal)

	var parkedOps []*Operation
	if n := q.freeze(func(op *Operation) { parkedOps = append(parkedOps, op) }); n != 1 {
		t.Fatalf("aborted=%d", n)
	}
	if len(parkedOps) != 1 || parkedOps[0] != running {
		t.Fatalf("parked=%v", parkedOps)
	}
	if running.runCtx.Err() == nil {
		t.Fatalf("executing op not aborted")
	}
	aborted, suspended := q.finish(running)
	if !aborted || !suspended {
		t.Fatalf("finish = (%v, %v)", aborted, suspended)
	}
	if len(rec.launched) != 1 {
		t.Fatalf("frozen queue promoted work")
	}
	if pending.State() != StatePending {
		t.Fatalf("pending state=%s", pending.State())
	}

	// Freezing twice does not re-abort.
	if n := q.freeze(nil); n != 0 {
		t.Fatalf("second freeze aborted %d", n)
	}
	q.unfreeze()
	if len(rec.launched) != 2 || rec.launched[1] != pending {
		t.Fatalf("unfreeze did not promote pending")
	}
}

func TestQueueCancel(t *testing.T) {
	t.Parallel()

	q, rec := newRecordedQueue(1)
	running := enqueueOp(t, q, "running", Normal)
	pending := enqueueOp(t, q, "pending", Normal)

	if got := q.cancel(pending); got != cancelRemovedPending {
		t.Fatalf("cancel pending=%v", got)
	}
	if got := q.cancel(pending); got != cancelNotFound {
		t.Fatalf("second cancel=%v", got)
	}
	if got := q.cancel(running); got != cancelAbortingExecuting {
		t.Fatalf("cancel executing=%v", got)
	}
	if aborted, _ := q.finish(running); !aborted {
		t.Fatalf("finish did not report abort")
	}
	if len(rec.launched) != 1 {
		t.Fatalf("cancelled pending op was started")
	}
}

func TestQueueHoldRelease(t *testing.T) {
	t.Parallel()

	q, rec := newRecordedQueue(1)
	running := enqueueOp(t, q, "running", Normal)
	a := enqueueOp(t, q, "a", Normal)
	b := enqueueOp(t, q, "b", Normal)

	if got := q.suspend(a, nil); got != suspendHeld {
		t.Fatalf("suspend pending=%v", got)
	}
	q.finish(running)
	if rec.launched[len(rec.launched)-1] != b {
		t.Fatalf("held op was promoted")
	}
	if !q.release(a) || q.release(a) {
		t.Fatalf("release should succeed exactly once")
	}
	q.finish(b)
	if rec.launched[len(rec.launched)-1] != a {
		t.Fatalf("released op not promoted")
	}
	if snap := q.snapshot(); snap.Executing != 1 || snap.Pending != 0 || snap.Cap != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestQueueReusesSubmissionSlot(t *testing.T) {
	t.Parallel()

	q, rec := newRecordedQueue(1)
	q.freeze(nil)
	original := enqueueOp(t, q, "original", Normal)
	later := enqueueOp(t, q, "later", Normal)
	q.cancel(original)

	resumed := NewOperation(transport.Request{URL: "resumed"})
	if err := q.enqueue(resumed, original.seq, func() error { return nil }); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.unfreeze()
	if len(rec.launched) != 1 || rec.launched[0] != resumed {
		t.Fatalf("resumed op should run before %s", later.request.URL)
	}
}

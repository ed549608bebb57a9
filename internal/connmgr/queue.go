package connmgr

import (
	"context"
	"sort"
	"sync"
	"time"
)

// AutomaticConcurrency lets the manager pick a queue's cap.
const AutomaticConcurrency = -1

// DefaultAutomaticConcurrency is the cap used for AutomaticConcurrency queues
// unless Config.AutomaticConcurrency overrides it.
const DefaultAutomaticConcurrency = 6

// DefaultQueue names the implicit default queue.
const DefaultQueue = ""

type queueHooks struct {
	// launch starts a promoted operation. Called without the queue lock.
	launch func(q *queue, op *Operation)
	// busy reports idle<->busy transitions. Called with the queue lock held; must not block.
	busy func(queueID string, busy bool)
}

// queue is one priority-ordered, capped execution lane.
type queue struct {
	id    string
	base  context.Context
	hooks queueHooks

	mu        sync.Mutex
	cap       int
	auto      int
	pending   []*Operation
	executing map[*Operation]struct{}
	frozen    bool
	busy      bool
	seq       uint64
}

func newQueue(base context.Context, id string, limit, auto int, hooks queueHooks) *queue {
	if limit <= 0 {
		limit = AutomaticConcurrency
	}
	if auto <= 0 {
		auto = DefaultAutomaticConcurrency
	}
	return &queue{
		id:        id,
		base:      base,
		hooks:     hooks,
		cap:       limit,
		auto:      auto,
		executing: map[*Operation]struct{}{},
	}
}

// before reports whether a must run before b.
func before(a, b *Operation) bool {
	pa, pb := a.Priority(), b.Priority()
	if pa != pb {
		return pa > pb
	}
	return a.seq < b.seq
}

func (q *queue) limitLocked() int {
	if q.cap == AutomaticConcurrency {
		return q.auto
	}
	return q.cap
}

func (q *queue) insertLocked(op *Operation) {
	i := sort.Search(len(q.pending), func(i int) bool { return before(op, q.pending[i]) })
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = op
}

func (q *queue) removePendingLocked(op *Operation) bool {
	for i, p := range q.pending {
		if p == op {
			copy(q.pending[i:], q.pending[i+1:])
			q.pending[len(q.pending)-1] = nil
			q.pending = q.pending[:len(q.pending)-1]
			return true
		}
	}
	return false
}

// enqueue admits op (via admit, under the queue lock so a concurrent cancel
// always finds it) and inserts it into the pending set. seq > 0 reuses a
// previous submission slot; used when resuming frozen work.
func (q *queue) enqueue(op *Operation, seq uint64, admit func() error) error {
	q.mu.Lock()
	if err := admit(); err != nil {
		q.mu.Unlock()
		return err
	}
	if seq == 0 {
		q.seq++
		seq = q.seq
	}
	op.seq = seq
	op.submittedAt = time.Now()
	op.state.Store(int32(StatePending))
	q.insertLocked(op)
	ready := q.promoteLocked()
	q.mu.Unlock()

	q.launchAll(ready)
	return nil
}

// promoteLocked moves pending work to executing while capacity allows.
// This is the only place where Pending -> Executing happens.
func (q *queue) promoteLocked() []*Operation {
	var ready []*Operation
	for !q.frozen && len(q.executing) < q.limitLocked() {
		idx := -1
		for i, p := range q.pending {
			if !p.held {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		op := q.pending[idx]
		copy(q.pending[idx:], q.pending[idx+1:])
		q.pending[len(q.pending)-1] = nil
		q.pending = q.pending[:len(q.pending)-1]

		op.runCtx, op.abort = context.WithCancel(q.base)
		op.startedAt = time.Now()
		op.state.Store(int32(StateExecuting))
		q.executing[op] = struct{}{}
		ready = append(ready, op)
	}
	if len(q.executing) > 0 && !q.busy {
		q.busy = true
		if q.hooks.busy != nil {
			q.hooks.busy(q.id, true)
		}
	}
	return ready
}

func (q *queue) launchAll(ready []*Operation) {
	if q.hooks.launch == nil {
		return
	}
	for _, op := range ready {
		q.hooks.launch(q, op)
	}
}

func (q *queue) promoteReady() {
	q.mu.Lock()
	ready := q.promoteLocked()
	q.mu.Unlock()
	q.launchAll(ready)
}

// finish releases op's slot after the transport returned. It reports
// whether op had been asked to abort, and whether that abort was a suspend.
func (q *queue) finish(op *Operation) (aborted, suspended bool) {
	q.mu.Lock()
	delete(q.executing, op)
	aborted, suspended = op.aborting, op.suspended
	if op.abort != nil {
		op.abort()
	}
	ready := q.promoteLocked()
	if len(q.executing) == 0 && q.busy {
		q.busy = false
		if q.hooks.busy != nil {
			q.hooks.busy(q.id, false)
		}
	}
	q.mu.Unlock()

	q.launchAll(ready)
	return aborted, suspended
}

type cancelOutcome int

const (
	cancelNotFound cancelOutcome = iota
	cancelRemovedPending
	cancelAbortingExecuting
)

// cancel removes op from the pending set, or signals the transport to abort
// it if it is executing. A removed pending op is never started.
func (q *queue) cancel(op *Operation) cancelOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelPendingLocked(op) {
		return cancelRemovedPending
	}
	if q.cancelExecutingLocked(op) {
		return cancelAbortingExecuting
	}
	return cancelNotFound
}

func (q *queue) cancelPendingLocked(op *Operation) bool {
	if !q.removePendingLocked(op) {
		return false
	}
	op.held = false
	return true
}

func (q *queue) cancelExecutingLocked(op *Operation) bool {
	if _, ok := q.executing[op]; !ok {
		return false
	}
	op.suspended = false
	if !op.aborting {
		op.aborting = true
		op.abort()
	}
	return true
}

// reprioritize re-sorts a pending op. Executing work is left alone.
func (q *queue) reprioritize(op *Operation, p Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removePendingLocked(op) {
		return false
	}
	op.priority.Store(int32(p))
	q.insertLocked(op)
	return true
}

// setCap changes the cap. Lowering it never preempts executing work.
func (q *queue) setCap(n int) {
	if n <= 0 {
		n = AutomaticConcurrency
	}
	q.mu.Lock()
	q.cap = n
	ready := q.promoteLocked()
	q.mu.Unlock()
	q.launchAll(ready)
}

func (q *queue) setAuto(n int) {
	if n <= 0 {
		n = DefaultAutomaticConcurrency
	}
	q.mu.Lock()
	q.auto = n
	ready := q.promoteLocked()
	q.mu.Unlock()
	q.launchAll(ready)
}

func (q *queue) capacity() (limit int, automatic bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limitLocked(), q.cap == AutomaticConcurrency
}

// freeze stops promotion and aborts every executing op that is not already
// aborting. park runs under the queue lock for each aborted op, before the
// abort is signalled, so the caller can keep a duplicate.
func (q *queue) freeze(park func(op *Operation)) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frozen = true
	n := 0
	for _, op := range q.executingLocked() {
		if op.aborting {
			continue
		}
		if park != nil {
			park(op)
		}
		op.aborting = true
		op.suspended = true
		op.abort()
		n++
	}
	return n
}

func (q *queue) unfreeze() {
	q.mu.Lock()
	q.frozen = false
	ready := q.promoteLocked()
	q.mu.Unlock()
	q.launchAll(ready)
}

func (q *queue) isFrozen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frozen
}

type suspendOutcome int

const (
	suspendNotFound suspendOutcome = iota
	suspendHeld
	suspendAborted
)

// suspend pauses a single op: pending work is held in place, executing work
// is aborted after park has recorded it.
func (q *queue) suspend(op *Operation, park func(op *Operation)) suspendOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pending {
		if p == op {
			op.held = true
			return suspendHeld
		}
	}
	if _, ok := q.executing[op]; ok && !op.aborting {
		if park != nil {
			park(op)
		}
		op.aborting = true
		op.suspended = true
		op.abort()
		return suspendAborted
	}
	return suspendNotFound
}

// release un-holds a pending op and promotes.
func (q *queue) release(op *Operation) bool {
	q.mu.Lock()
	if !op.held {
		q.mu.Unlock()
		return false
	}
	op.held = false
	ready := q.promoteLocked()
	q.mu.Unlock()
	q.launchAll(ready)
	return true
}

// executingLocked returns the executing set in submission order.
func (q *queue) executingLocked() []*Operation {
	out := make([]*Operation, 0, len(q.executing))
	for op := range q.executing {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// drain removes every pending op (used on Close).
func (q *queue) drain() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	q.frozen = true
	return out
}

// QueueSnapshot is a point-in-time view of one queue.
type QueueSnapshot struct {
	ID        string `json:"id"`
	Cap       int    `json:"cap"`
	Automatic bool   `json:"automatic"`
	Pending   int    `json:"pending"`
	Held      int    `json:"held"`
	Executing int    `json:"executing"`
	Frozen    bool   `json:"frozen"`
}

func (q *queue) snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	held := 0
	for _, p := range q.pending {
		if p.held {
			held++
		}
	}
	return QueueSnapshot{
		ID:        q.id,
		Cap:       q.limitLocked(),
		Automatic: q.cap == AutomaticConcurrency,
		Pending:   len(q.pending),
		Held:      held,
		Executing: len(q.executing),
		Frozen:    q.frozen,
	}
}

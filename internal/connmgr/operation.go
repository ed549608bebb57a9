package connmgr

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"connq/internal/transport"
)

// Key identifies a live operation. Zero is never issued.
type Key int64

// NoKey is returned when nothing could be admitted.
const NoKey Key = 0

type State int32

const (
	StatePending State = iota
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s >= StateCompleted }

// Result is handed to the completion callback.
type Result struct {
	Key      Key
	Response transport.Response
	Body     []byte
	Err      error
	// Suspended is set on the ErrCancelled result of work stopped by a
	// freeze or Suspend. A duplicate was kept and reports again under a
	// new key once resumed, unless the old key is cancelled first.
	Suspended bool
}

func (r Result) Kind() OutcomeKind { return Kind(r.Err) }

// ProgressFunc receives progress for one operation on the notification goroutine.
type ProgressFunc func(key Key, p transport.Progress)

// CompletionFunc receives the terminal result on the notification goroutine.
type CompletionFunc func(r Result)

// Option configures an Operation.
type Option func(*Operation)

// InQueue selects the queue; "" is the default queue.
func InQueue(id string) Option {
	return func(op *Operation) { op.queueID = id }
}

func WithPriority(p Priority) Option {
	return func(op *Operation) { op.priority.Store(int32(p)) }
}

func WithProgress(fn ProgressFunc) Option {
	return func(op *Operation) { op.progress = fn }
}

func WithCompletion(fn CompletionFunc) Option {
	return func(op *Operation) { op.completion = fn }
}

func WithAuth(p AuthPolicy) Option {
	return func(op *Operation) { op.auth = p }
}

// WithRequestID overrides the generated logical request id.
func WithRequestID(id string) Option {
	return func(op *Operation) {
		if id != "" {
			op.requestID = id
		}
	}
}

// Operation is one schedulable request.
//
// Configuration is fixed at construction. An Operation can be admitted to a
// manager once; use Duplicate to run the same request again.
type Operation struct {
	request    transport.Request
	requestID  string
	queueID    string
	progress   ProgressFunc
	completion CompletionFunc
	auth       AuthPolicy

	priority atomic.Int32
	key      atomic.Int64
	state    atomic.Int32
	done     atomic.Bool
	// delivered is set once the completion callback has been dispatched;
	// progress posted after that point is dropped.
	delivered atomic.Bool

	authFailure atomic.Pointer[transport.Challenge]

	// Guarded by the owning queue's mutex.
	seq       uint64
	held      bool
	aborting  bool
	suspended bool
	runCtx    context.Context
	abort     context.CancelFunc

	submittedAt time.Time
	startedAt   time.Time
}

// NewOperation builds a Pending operation for req.
func NewOperation(req transport.Request, opts ...Option) *Operation {
	op := &Operation{
		request:   req.Clone(),
		requestID: uuid.NewString(),
	}
	for _, o := range opts {
		if o != nil {
			o(op)
		}
	}
	return op
}

func (op *Operation) Key() Key                   { return Key(op.key.Load()) }
func (op *Operation) RequestID() string          { return op.requestID }
func (op *Operation) QueueID() string            { return op.queueID }
func (op *Operation) Priority() Priority         { return Priority(op.priority.Load()) }
func (op *Operation) State() State               { return State(op.state.Load()) }
func (op *Operation) Auth() AuthPolicy           { return op.auth }
func (op *Operation) Request() transport.Request { return op.request.Clone() }
func (op *Operation) Completion() CompletionFunc { return op.completion }
func (op *Operation) ProgressFunc() ProgressFunc { return op.progress }

// Duplicate returns a fresh Pending operation with the same configuration
// (request, queue, current priority, callbacks, policy and request id) and no key.
func (op *Operation) Duplicate() *Operation {
	cp := &Operation{
		request:    op.request.Clone(),
		requestID:  op.requestID,
		queueID:    op.queueID,
		progress:   op.progress,
		completion: op.completion,
		auth:       op.auth.clone(),
	}
	cp.priority.Store(op.priority.Load())
	return cp
}

// setKey records the admission key. It succeeds only once.
func (op *Operation) setKey(k Key) bool {
	return op.key.CompareAndSwap(0, int64(k))
}

// finish latches the terminal state. Only the first caller wins.
func (op *Operation) finish(kind OutcomeKind) bool {
	if !op.done.CompareAndSwap(false, true) {
		return false
	}
	switch kind {
	case OutcomeCompleted:
		op.state.Store(int32(StateCompleted))
	case OutcomeCancelled:
		op.state.Store(int32(StateCancelled))
	default:
		op.state.Store(int32(StateFailed))
	}
	return true
}

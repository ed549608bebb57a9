package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"connq/internal/eventbus"
	"connq/internal/runtime/supervisor"
	"connq/internal/storage"
	"connq/internal/transport"
	logx "connq/pkg/logx"
)

// QueueConfig configures one named queue.
type QueueConfig struct {
	// MaxConcurrent caps executing operations; <= 0 means automatic.
	MaxConcurrent int
	// Background queues keep running across FreezeAll.
	Background bool
}

type Config struct {
	// AutomaticConcurrency is the cap used by automatic queues.
	// <= 0 means DefaultAutomaticConcurrency.
	AutomaticConcurrency int
	Queues               map[string]QueueConfig
	TrustedHosts         []string
	Credentials          map[string]transport.Credential
	// HistorySize bounds the in-memory outcome ring. 0 means 200; < 0 disables it.
	HistorySize int
}

const (
	defaultHistorySize = 200
	slowOperation      = 750 * time.Millisecond
	storeTimeout       = 2 * time.Second
)

type ManagerOption func(*Manager)

func WithLogger(log logx.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

func WithBus(bus eventbus.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithStore persists every terminal outcome.
func WithStore(st storage.Store) ManagerOption {
	return func(m *Manager) { m.store = st }
}

// WithNotifier replaces the default notification goroutine.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notify = n }
}

// WithConnectionFailureHook is called once for every operation that fails
// for any reason other than authentication or cancellation.
func WithConnectionFailureHook(fn func(op *Operation, err error)) ManagerOption {
	return func(m *Manager) { m.onConnFailure = fn }
}

// WithAuthenticationFailureHook is called once for every operation that
// fails because a challenge could not be resolved.
func WithAuthenticationFailureHook(fn func(op *Operation, ch transport.Challenge)) ManagerOption {
	return func(m *Manager) { m.onAuthFailure = fn }
}

// Manager schedules operations over named queues. It is safe for concurrent use.
type Manager struct {
	tr     transport.Transport
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	notify Notifier
	disp   *dispatcher
	sup    *supervisor.Supervisor

	onConnFailure func(op *Operation, err error)
	onAuthFailure func(op *Operation, ch transport.Challenge)

	reg   *registry
	creds *credentialStore

	base    context.Context
	stop    context.CancelFunc
	workers sync.WaitGroup

	mu         sync.RWMutex
	queues     map[string]*queue
	background map[string]struct{}
	auto       int
	frozenAll  bool
	closed     bool

	pmu    sync.Mutex
	parked map[Key]*parked

	hmu        sync.Mutex
	history    []HistoryItem
	historyMax int
}

// New builds a Manager that runs operations through tr.
func New(cfg Config, tr transport.Transport, opts ...ManagerOption) *Manager {
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		tr:         tr,
		reg:        newRegistry(),
		creds:      newCredentialStore(),
		base:       base,
		stop:       stop,
		queues:     map[string]*queue{},
		background: map[string]struct{}{},
		parked:     map[Key]*parked{},
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "connmgr"))
	m.sup = supervisor.New(context.Background(), supervisor.WithLogger(m.log))
	if m.notify == nil {
		m.disp = newDispatcher(m.log)
		m.notify = m.disp
		m.sup.Go0("connmgr.notify", m.disp.run)
	}

	m.auto = cfg.AutomaticConcurrency
	if m.auto <= 0 {
		m.auto = DefaultAutomaticConcurrency
	}
	m.historyMax = historySize(cfg.HistorySize)
	m.creds.replaceTrusted(cfg.TrustedHosts)
	for host, c := range cfg.Credentials {
		m.creds.setCredential(&c, host)
	}
	for id, qc := range cfg.Queues {
		m.queueLocked(id, qc.MaxConcurrent)
		if qc.Background {
			m.background[id] = struct{}{}
		}
	}
	m.queueLocked(DefaultQueue, 0)
	return m
}

func historySize(n int) int {
	switch {
	case n == 0:
		return defaultHistorySize
	case n < 0:
		return 0
	default:
		return n
	}
}

// queueLocked returns the queue for id, creating it with the given cap.
// Requires m.mu held for writing (or exclusive access during New).
func (m *Manager) queueLocked(id string, limit int) *queue {
	if q, ok := m.queues[id]; ok {
		return q
	}
	q := newQueue(m.base, id, limit, m.auto, queueHooks{launch: m.launch, busy: m.busyChanged})
	if m.frozenAll {
		if _, bg := m.background[id]; !bg {
			q.frozen = true
		}
	}
	m.queues[id] = q
	m.log.Debug("queue created", logx.String("queue", id), logx.Int("cap", limit))
	return q
}

func (m *Manager) queue(id string) *queue {
	m.mu.RLock()
	q := m.queues[id]
	m.mu.RUnlock()
	if q != nil {
		return q
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueLocked(id, 0)
}

func (m *Manager) existingQueue(id string) *queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[id]
}

// Submit builds an operation for req and schedules it. It returns NoKey
// once the manager is closed.
func (m *Manager) Submit(req transport.Request, opts ...Option) Key {
	op := NewOperation(req, opts...)
	k, _ := m.SubmitOperation(op, op.queueID)
	return k
}

// SubmitOperation schedules op in queueID, typically a Duplicate returned
// by Cancel. The operation then reports queueID as its queue. An operation
// can only be admitted once.
func (m *Manager) SubmitOperation(op *Operation, queueID string) (Key, error) {
	if op == nil {
		return NoKey, errors.New("nil operation")
	}
	return m.admit(op, queueID, 0)
}

func (m *Manager) admit(op *Operation, queueID string, seq uint64) (Key, error) {
	if op.Key() != NoKey {
		return NoKey, ErrAlreadyAdmitted
	}
	for {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return NoKey, ErrClosed
		}
		q := m.queues[queueID]
		if q == nil {
			m.mu.RUnlock()
			m.queue(queueID)
			continue
		}
		// The read lock is held across enqueue so Close cannot drain the
		// queue between the closed check and the insert.
		k := m.reg.allocateKey()
		err := q.enqueue(op, seq, func() error {
			if !op.setKey(k) {
				return ErrAlreadyAdmitted
			}
			op.queueID = q.id
			return m.reg.admit(k, q.id, op)
		})
		m.mu.RUnlock()
		if err != nil {
			return NoKey, err
		}
		m.log.Trace("operation submitted",
			logx.Int64("key", int64(k)),
			logx.String("queue", q.id),
			logx.String("priority", op.Priority().String()),
			logx.String("request_id", op.requestID),
		)
		return k, nil
	}
}

// Cancel stops the operation behind key and returns a fresh, unadmitted
// duplicate of it. Pending work completes with ErrCancelled right away;
// executing work completes once the transport acknowledges the abort.
// Unknown or retired keys return (nil, false).
func (m *Manager) Cancel(key Key) (*Operation, bool) {
	queueID, op, ok := m.reg.take(key)
	if !ok {
		// A suspended operation whose key is already retired.
		if p := m.takeParked(key); p != nil {
			return p.dup, true
		}
		return nil, false
	}

	if q := m.existingQueue(queueID); q != nil {
		switch q.cancel(op) {
		case cancelRemovedPending:
			m.complete(op, Result{Key: key, Err: ErrCancelled})
		case cancelAbortingExecuting:
			m.log.Debug("operation abort requested", logx.Int64("key", int64(key)), logx.String("queue", queueID))
		}
	}
	// After q.cancel a freeze can no longer park op.
	m.takeParked(key)
	return op.Duplicate(), true
}

// SetPriority changes the priority of pending (or suspended) work.
// Executing work is not affected. It reports whether anything changed.
func (m *Manager) SetPriority(p Priority, key Key) bool {
	queueID, op, ok := m.reg.lookup(key)
	if !ok {
		m.pmu.Lock()
		defer m.pmu.Unlock()
		if pk := m.parked[key]; pk != nil {
			pk.dup.priority.Store(int32(p))
			return true
		}
		return false
	}
	q := m.existingQueue(queueID)
	if q == nil {
		return false
	}
	return q.reprioritize(op, p)
}

// Lookup returns the live operation behind key.
func (m *Manager) Lookup(key Key) (*Operation, bool) {
	_, op, ok := m.reg.lookup(key)
	return op, ok
}

// SetConcurrencyCap sets the cap of queueID, creating the queue if needed.
// n <= 0 (or AutomaticConcurrency) selects the automatic cap.
func (m *Manager) SetConcurrencyCap(n int, queueID string) {
	m.queue(queueID).setCap(n)
}

// ConcurrencyCap reports the effective cap of queueID and whether it is automatic.
func (m *Manager) ConcurrencyCap(queueID string) (int, bool) {
	if q := m.existingQueue(queueID); q != nil {
		return q.capacity()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.auto, true
}

// AddBackgroundQueue exempts id from FreezeAll. Under an active FreezeAll
// the queue is unfrozen right away.
func (m *Manager) AddBackgroundQueue(id string) {
	m.mu.Lock()
	_, was := m.background[id]
	m.background[id] = struct{}{}
	thaw := m.frozenAll && !was
	m.mu.Unlock()
	if thaw {
		m.Unfreeze(id)
	}
}

// RemoveBackgroundQueue makes id subject to FreezeAll again. Under an
// active FreezeAll an existing queue is frozen right away.
func (m *Manager) RemoveBackgroundQueue(id string) {
	m.mu.Lock()
	_, was := m.background[id]
	delete(m.background, id)
	freeze := m.frozenAll && was && m.queues[id] != nil
	m.mu.Unlock()
	if freeze {
		m.Freeze(id)
	}
}

// BackgroundQueues returns the background-eligible queue ids, sorted.
func (m *Manager) BackgroundQueues() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.background))
	for id := range m.background {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Apply updates the manager in place from cfg. Queues are never removed;
// queues absent from cfg keep their current cap.
func (m *Manager) Apply(cfg Config) {
	auto := cfg.AutomaticConcurrency
	if auto <= 0 {
		auto = DefaultAutomaticConcurrency
	}

	m.mu.Lock()
	m.auto = auto
	bg := make(map[string]struct{}, len(cfg.Queues))
	for id, qc := range cfg.Queues {
		if qc.Background {
			bg[id] = struct{}{}
		}
	}
	m.background = bg
	qs := make([]*queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	for id := range cfg.Queues {
		if _, ok := m.queues[id]; !ok {
			qs = append(qs, m.queueLocked(id, cfg.Queues[id].MaxConcurrent))
		}
	}
	m.mu.Unlock()

	for _, q := range qs {
		q.setAuto(auto)
		if qc, ok := cfg.Queues[q.id]; ok {
			q.setCap(qc.MaxConcurrent)
		}
	}

	m.creds.replaceTrusted(cfg.TrustedHosts)
	for host, c := range cfg.Credentials {
		m.creds.setCredential(&c, host)
	}

	m.hmu.Lock()
	m.historyMax = historySize(cfg.HistorySize)
	if over := len(m.history) - m.historyMax; over > 0 {
		m.history = append([]HistoryItem(nil), m.history[over:]...)
	}
	m.hmu.Unlock()

	m.log.Info("connection manager config applied", logx.Int("auto_cap", auto), logx.Int("queues", len(qs)))
}

// Close cancels all pending work, aborts executing work and waits for every
// completion callback to be delivered, or for ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	qs := make([]*queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.Unlock()

	for _, q := range qs {
		for _, op := range q.drain() {
			m.reg.retire(op.Key())
			m.complete(op, Result{Key: op.Key(), Err: ErrCancelled})
		}
	}
	m.pmu.Lock()
	m.parked = map[Key]*parked{}
	m.pmu.Unlock()

	m.stop()
	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if m.disp != nil {
		m.disp.close()
	}
	return m.sup.Wait(ctx)
}

// ---- execution ----

func (m *Manager) launch(q *queue, op *Operation) {
	m.workers.Add(1)
	m.sup.Go0("connmgr.operation", func(context.Context) {
		defer m.workers.Done()
		m.run(q, op)
	})
}

func (m *Manager) busyChanged(queueID string, busy bool) {
	if busy {
		m.publish(EventConnectionsStarted, QueueEvent{Queue: queueID})
		return
	}
	m.publish(EventConnectionsFinished, QueueEvent{Queue: queueID})
}

func (m *Manager) run(q *queue, op *Operation) {
	resp, body, err := m.perform(op)
	aborted, suspended := q.finish(op)

	res := Result{Key: op.Key(), Response: resp, Body: body}
	var rejected *transport.AuthenticationError
	switch ch := op.authFailure.Load(); {
	case aborted && err != nil:
		res.Err = ErrCancelled
	case ch != nil:
		res.Err = &AuthError{Challenge: *ch}
	case errors.As(err, &rejected):
		res.Err = &AuthError{Challenge: rejected.Challenge}
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		res.Err = ErrCancelled
	default:
		res.Err = &TransportError{Err: err}
	}
	if suspended {
		if res.Err == ErrCancelled {
			res.Suspended = true
		} else {
			// Finished before the abort landed; nothing left to resume.
			m.takeParked(op.Key())
		}
	}
	m.complete(op, res)
}

func (m *Manager) perform(op *Operation) (resp transport.Response, body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return m.tr.Do(op.runCtx, op.request.Clone(), &opEvents{m: m, op: op})
}

// complete delivers the terminal result exactly once. Must be called
// without any manager or queue lock held.
func (m *Manager) complete(op *Operation, res Result) {
	kind := res.Kind()
	if !op.finish(kind) {
		return
	}
	m.reg.retire(op.Key())
	item := m.record(op, res, kind)
	m.publish(outcomeEventType(kind), OperationEvent{
		Key:       item.Key,
		RequestID: item.RequestID,
		Queue:     item.Queue,
		Outcome:   item.Outcome,
		Status:    item.Status,
		Error:     item.Error,
		Took:      item.Took,
	})

	var hook func()
	switch kind {
	case OutcomeFailed:
		if m.onConnFailure != nil {
			hook = func() { m.onConnFailure(op, res.Err) }
		}
	case OutcomeAuthFailed:
		var ae *AuthError
		if m.onAuthFailure != nil && errors.As(res.Err, &ae) {
			hook = func() { m.onAuthFailure(op, ae.Challenge) }
		}
	}
	m.notify.Post(func() {
		op.delivered.Store(true)
		if op.completion != nil {
			m.guard(func() { op.completion(res) })
		}
		if hook != nil {
			m.guard(hook)
		}
	})

	m.persist(item)
}

// guard runs a caller callback, logging instead of propagating panics.
func (m *Manager) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("callback panicked", logx.Any("panic", r))
		}
	}()
	fn()
}

// opEvents routes transport callbacks for one operation.
type opEvents struct {
	m  *Manager
	op *Operation
}

func (e *opEvents) Progress(p transport.Progress) {
	op := e.op
	if op.progress == nil || op.done.Load() {
		return
	}
	key := op.Key()
	e.m.notify.Post(func() {
		if op.delivered.Load() {
			return
		}
		e.m.guard(func() { op.progress(key, p) })
	})
}

func (e *opEvents) Challenge(ctx context.Context, ch transport.Challenge) transport.Answer {
	d := resolveChallenge(ctx, e.op.auth, e.m.creds, ch)
	e.m.log.Debug("auth challenge",
		logx.Int64("key", int64(e.op.Key())),
		logx.String("space", ch.Space.String()),
		logx.Int("previous_failures", ch.PreviousFailures),
		logx.String("step", d.step.String()),
		logx.String("disposition", d.answer.Disposition.String()),
	)
	if d.failed {
		c := ch
		e.op.authFailure.Store(&c)
	}
	return d.answer
}

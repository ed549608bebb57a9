package connmgr

import (
	"context"
	"runtime/debug"
	"sync"

	logx "connq/pkg/logx"
)

// Notifier runs callbacks on the designated notification context.
// Post must preserve the order of calls made from one goroutine.
type Notifier interface {
	Post(fn func())
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(fn func())

func (f NotifierFunc) Post(fn func()) { f(fn) }

// Inline runs callbacks synchronously on the posting goroutine.
// Useful in tests and for callers that do their own synchronization.
var Inline Notifier = NotifierFunc(func(fn func()) { fn() })

// dispatcher is the default Notifier: one goroutine draining a FIFO.
type dispatcher struct {
	log logx.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newDispatcher(log logx.Logger) *dispatcher {
	d := &dispatcher{log: log}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) Post(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.call(fn)
		return
	}
	d.items = append(d.items, fn)
	d.mu.Unlock()
	d.cond.Signal()
}

// run drains the FIFO until close is called and the FIFO is empty.
func (d *dispatcher) run(_ context.Context) {
	for {
		d.mu.Lock()
		for len(d.items) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.items) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.items[0]
		d.items[0] = nil
		d.items = d.items[1:]
		d.mu.Unlock()

		d.call(fn)
	}
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("callback panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Package connmgr schedules network requests.
//
// # Overview
//
// Callers submit requests to named queues. Each queue has a concurrency cap
// and orders its pending work by priority, then by submission order. Every
// submission returns a Key that stays valid until the operation reaches a
// terminal state; the key can be used to cancel, reprioritize, suspend or
// resume the work. Keys are never reused.
//
// # Components
//
//   - Operation: one request with its callbacks and authentication policy
//   - queue: priority-ordered, capped execution lane (unexported)
//   - registry: key -> (queue, operation) table (unexported)
//   - Group: caller-held key set for bulk lifecycle control
//   - Manager: the façade owning queues, registry, credentials and freeze state
//
// # Freeze and unfreeze
//
// Transports cannot pause a transfer. Freezing a queue therefore cancels its
// executing operations (they complete with ErrCancelled) after keeping a
// duplicate of each one, and stops promotion of pending work. Unfreezing
// resubmits the duplicates with their original priority and resumes
// promotion. Resubmitted work runs under a new Key; use RequestID to
// correlate.
//
// # Callbacks
//
// Progress and completion callbacks, and the manager-level failure hooks,
// run on a single notification goroutine. A single operation's callbacks are
// strictly ordered and its completion is delivered exactly once.
//
// # Example
//
//	m := connmgr.New(connmgr.Config{}, httpx.New(httpx.Config{}))
//	defer m.Close(context.Background())
//
//	key := m.Submit(transport.Request{Method: "GET", URL: "https://example.com/"},
//	    connmgr.WithPriority(connmgr.High),
//	    connmgr.WithCompletion(func(r connmgr.Result) {
//	        // runs on the notification goroutine
//	    }),
//	)
//	m.Cancel(key)
package connmgr

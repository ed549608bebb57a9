package connmgr

import (
	"sync"
	"sync/atomic"
)

type registryEntry struct {
	queueID string
	op      *Operation
}

// registry is the single source of truth for whether a key is live.
type registry struct {
	seq atomic.Int64

	mu      sync.Mutex
	entries map[Key]registryEntry
}

func newRegistry() *registry {
	return &registry{entries: map[Key]registryEntry{}}
}

// allocateKey returns a key that has never been issued before.
func (r *registry) allocateKey() Key {
	return Key(r.seq.Add(1))
}

func (r *registry) admit(k Key, queueID string, op *Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[k]; ok {
		return ErrAlreadyAdmitted
	}
	r.entries[k] = registryEntry{queueID: queueID, op: op}
	return nil
}

func (r *registry) lookup(k Key) (string, *Operation, bool) {
	r.mu.Lock()
	e, ok := r.entries[k]
	r.mu.Unlock()
	if !ok {
		return "", nil, false
	}
	return e.queueID, e.op, true
}

// take looks up and retires k in one step, so only one caller wins it.
func (r *registry) take(k Key) (string, *Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[k]
	if !ok {
		return "", nil, false
	}
	delete(r.entries, k)
	return e.queueID, e.op, true
}

// retire removes k. Unknown or already retired keys are ignored.
func (r *registry) retire(k Key) {
	r.mu.Lock()
	delete(r.entries, k)
	r.mu.Unlock()
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// keys returns the live keys in queueID (all queues when all is true).
func (r *registry) keys(queueID string, all bool) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.entries))
	for k, e := range r.entries {
		if all || e.queueID == queueID {
			out = append(out, k)
		}
	}
	return out
}

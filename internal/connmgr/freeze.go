package connmgr

import (
	"sort"

	logx "connq/pkg/logx"
)

// parked is a duplicate kept for an executing operation that was aborted by
// a freeze or a per-key suspend, indexed by the aborted operation's key.
type parked struct {
	queueID   string
	dup       *Operation
	seq       uint64
	viaFreeze bool
}

// parker returns the queue callback that records a duplicate of op.
// It runs under the queue lock.
func (m *Manager) parker(queueID string, viaFreeze bool) func(op *Operation) {
	return func(op *Operation) {
		m.pmu.Lock()
		m.parked[op.Key()] = &parked{
			queueID:   queueID,
			dup:       op.Duplicate(),
			seq:       op.seq,
			viaFreeze: viaFreeze,
		}
		m.pmu.Unlock()
	}
}

func (m *Manager) takeParked(key Key) *parked {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	p := m.parked[key]
	delete(m.parked, key)
	return p
}

type parkedEntry struct {
	key Key
	p   *parked
}

// takeFrozen removes every freeze-parked duplicate of queueID, oldest key first.
func (m *Manager) takeFrozen(queueID string) []parkedEntry {
	m.pmu.Lock()
	var out []parkedEntry
	for k, p := range m.parked {
		if p.viaFreeze && p.queueID == queueID {
			out = append(out, parkedEntry{key: k, p: p})
			delete(m.parked, k)
		}
	}
	m.pmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// resume admits a parked duplicate under a new key, in the submission slot
// of the operation it replaces.
func (m *Manager) resume(old Key, p *parked) (Key, bool) {
	k, err := m.admit(p.dup, p.queueID, p.seq)
	if err != nil {
		m.log.Warn("operation not resumed", logx.Int64("key", int64(old)), logx.Err(err))
		return NoKey, false
	}
	m.log.Debug("operation resumed",
		logx.Int64("old_key", int64(old)),
		logx.Int64("new_key", int64(k)),
		logx.String("queue", p.queueID),
		logx.String("request_id", p.dup.requestID),
	)
	m.publish(EventOperationResumed, ResumedEvent{OldKey: old, NewKey: k, RequestID: p.dup.requestID, Queue: p.queueID})
	return k, true
}

// Freeze stops promotion in queueID and cancels its executing operations
// after keeping a duplicate of each. Pending work stays pending. Executing
// operations complete with ErrCancelled once the transport acknowledges.
func (m *Manager) Freeze(queueID string) {
	q := m.queue(queueID)
	n := q.freeze(m.parker(queueID, true))
	m.log.Info("queue frozen", logx.String("queue", queueID), logx.Int("aborted", n))
	m.publish(EventQueueFrozen, QueueEvent{Queue: queueID})
}

// Unfreeze resubmits the duplicates kept by Freeze, with their original
// priority and ahead of work submitted later, then resumes promotion.
func (m *Manager) Unfreeze(queueID string) {
	q := m.existingQueue(queueID)
	if q == nil {
		return
	}
	resumed := 0
	for _, e := range m.takeFrozen(queueID) {
		if _, ok := m.resume(e.key, e.p); ok {
			resumed++
		}
	}
	q.unfreeze()
	m.log.Info("queue unfrozen", logx.String("queue", queueID), logx.Int("resumed", resumed))
	m.publish(EventQueueUnfrozen, QueueEvent{Queue: queueID})
}

// IsFrozen reports whether queueID is frozen.
func (m *Manager) IsFrozen(queueID string) bool {
	q := m.existingQueue(queueID)
	return q != nil && q.isFrozen()
}

// FreezeAll freezes every queue that is not background-eligible. Queues
// created afterwards start frozen until UnfreezeAll.
func (m *Manager) FreezeAll() {
	for _, id := range m.foregroundQueues(true) {
		m.Freeze(id)
	}
}

// UnfreezeAll reverses FreezeAll.
func (m *Manager) UnfreezeAll() {
	for _, id := range m.foregroundQueues(false) {
		m.Unfreeze(id)
	}
}

// foregroundQueues records the global freeze state and returns the ids of
// the queues it applies to, sorted.
func (m *Manager) foregroundQueues(frozen bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozenAll = frozen
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		if _, bg := m.background[id]; !bg {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Suspend pauses the operation behind key. Pending work is held in place;
// executing work is cancelled and a duplicate is kept for Resume.
func (m *Manager) Suspend(key Key) bool {
	queueID, op, ok := m.reg.lookup(key)
	if !ok {
		return false
	}
	q := m.existingQueue(queueID)
	if q == nil {
		return false
	}
	switch q.suspend(op, m.parker(queueID, false)) {
	case suspendHeld:
		m.log.Debug("operation held", logx.Int64("key", int64(key)))
		return true
	case suspendAborted:
		m.log.Debug("operation suspended", logx.Int64("key", int64(key)))
		return true
	default:
		return false
	}
}

// Resume undoes Suspend. It returns the key the work now runs under: the
// same key for held pending work, a new one for resubmitted work.
func (m *Manager) Resume(key Key) (Key, bool) {
	if p := m.takeParked(key); p != nil {
		return m.resume(key, p)
	}
	queueID, op, ok := m.reg.lookup(key)
	if !ok {
		return NoKey, false
	}
	q := m.existingQueue(queueID)
	if q == nil || !q.release(op) {
		return NoKey, false
	}
	return key, true
}

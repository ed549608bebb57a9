package connmgr

import (
	"context"
	"sort"
	"time"

	"connq/internal/runtime/supervisor"
	"connq/internal/storage"
	logx "connq/pkg/logx"
)

// HistoryItem describes one finished operation.
type HistoryItem struct {
	Key         Key           `json:"key"`
	RequestID   string        `json:"request_id"`
	Queue       string        `json:"queue"`
	Method      string        `json:"method"`
	URL         string        `json:"url"`
	Priority    Priority      `json:"priority"`
	Outcome     string        `json:"outcome"`
	Status      int           `json:"status,omitempty"`
	Error       string        `json:"error,omitempty"`
	Bytes       int           `json:"bytes,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at"`
	Wait        time.Duration `json:"wait"`
	Took        time.Duration `json:"took"`
}

func (m *Manager) record(op *Operation, res Result, kind OutcomeKind) HistoryItem {
	now := time.Now()
	item := HistoryItem{
		Key:         op.Key(),
		RequestID:   op.requestID,
		Queue:       op.queueID,
		Method:      op.request.Method,
		URL:         op.request.URL,
		Priority:    op.Priority(),
		Outcome:     kind.String(),
		Status:      res.Response.StatusCode,
		Bytes:       len(res.Body),
		SubmittedAt: op.submittedAt,
		FinishedAt:  now,
	}
	if res.Err != nil {
		item.Error = res.Err.Error()
	}
	// submittedAt/startedAt are written under the queue lock before the
	// operation can reach complete, so reading them here is race free.
	if !op.startedAt.IsZero() {
		item.StartedAt = op.startedAt
		item.Wait = op.startedAt.Sub(op.submittedAt)
		item.Took = now.Sub(op.startedAt)
	} else if !op.submittedAt.IsZero() {
		item.Wait = now.Sub(op.submittedAt)
	}

	m.hmu.Lock()
	if m.historyMax > 0 {
		m.history = append(m.history, item)
		if over := len(m.history) - m.historyMax; over > 0 {
			m.history = append(m.history[:0:0], m.history[over:]...)
		}
	}
	m.hmu.Unlock()

	fields := []logx.Field{
		logx.Int64("key", int64(item.Key)),
		logx.String("queue", item.Queue),
		logx.String("request_id", item.RequestID),
		logx.String("outcome", item.Outcome),
		logx.Duration("took", item.Took),
	}
	if item.Status != 0 {
		fields = append(fields, logx.Int("status", item.Status))
	}
	switch {
	case kind == OutcomeFailed || kind == OutcomeAuthFailed:
		m.log.Warn("operation failed", append(fields, logx.Err(res.Err))...)
	case item.Took >= slowOperation:
		m.log.Info("operation finished", fields...)
	default:
		m.log.Debug("operation finished", fields...)
	}
	return item
}

func (m *Manager) persist(item HistoryItem) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := m.store.AppendOutcome(ctx, storage.Outcome{
		At:        item.FinishedAt,
		Key:       int64(item.Key),
		RequestID: item.RequestID,
		Queue:     item.Queue,
		Method:    item.Method,
		URL:       item.URL,
		Priority:  item.Priority.String(),
		Outcome:   item.Outcome,
		Status:    item.Status,
		Error:     item.Error,
		Bytes:     int64(item.Bytes),
		WaitMS:    item.Wait.Milliseconds(),
		TookMS:    item.Took.Milliseconds(),
	})
	if err != nil {
		m.log.Warn("outcome not persisted", logx.Int64("key", int64(item.Key)), logx.Err(err))
	}
}

// History returns the most recent finished operations, oldest first.
func (m *Manager) History() []HistoryItem {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	return append([]HistoryItem(nil), m.history...)
}

// Snapshot is a point-in-time view of the manager.
type Snapshot struct {
	Queues     []QueueSnapshot     `json:"queues"`
	Live       int                 `json:"live"`
	Suspended  int                 `json:"suspended"`
	FrozenAll  bool                `json:"frozen_all"`
	Background []string            `json:"background,omitempty"`
	Workers    supervisor.Counters `json:"workers"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	qs := make([]*queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	frozenAll := m.frozenAll
	m.mu.RUnlock()

	snap := Snapshot{
		Live:       m.reg.len(),
		FrozenAll:  frozenAll,
		Background: m.BackgroundQueues(),
		Workers:    m.sup.Counters(),
	}
	for _, q := range qs {
		snap.Queues = append(snap.Queues, q.snapshot())
	}
	sort.Slice(snap.Queues, func(i, j int) bool { return snap.Queues[i].ID < snap.Queues[j].ID })

	m.pmu.Lock()
	snap.Suspended = len(m.parked)
	m.pmu.Unlock()
	return snap
}

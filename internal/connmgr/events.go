package connmgr

import (
	"time"

	"connq/internal/eventbus"
)

// Event types published on the manager's bus.
const (
	EventConnectionsStarted  = "connections.started"
	EventConnectionsFinished = "connections.finished"
	EventOperationCompleted  = "operation.completed"
	EventOperationFailed     = "operation.failed"
	EventOperationCancelled  = "operation.cancelled"
	EventOperationResumed    = "operation.resumed"
	EventQueueFrozen         = "queue.frozen"
	EventQueueUnfrozen       = "queue.unfrozen"
)

// QueueEvent is the payload of connections.* and queue.* events.
type QueueEvent struct {
	Queue string `json:"queue"`
}

// OperationEvent is the payload of operation.completed/failed/cancelled.
type OperationEvent struct {
	Key       Key           `json:"key"`
	RequestID string        `json:"request_id"`
	Queue     string        `json:"queue"`
	Outcome   string        `json:"outcome"`
	Status    int           `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Took      time.Duration `json:"took"`
}

// ResumedEvent is the payload of operation.resumed.
type ResumedEvent struct {
	OldKey    Key    `json:"old_key"`
	NewKey    Key    `json:"new_key"`
	RequestID string `json:"request_id"`
	Queue     string `json:"queue"`
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func outcomeEventType(k OutcomeKind) string {
	switch k {
	case OutcomeCompleted:
		return EventOperationCompleted
	case OutcomeCancelled:
		return EventOperationCancelled
	default:
		return EventOperationFailed
	}
}

// Package eventbus is a small in-process fan-out of typed events. Publish
// never blocks: a subscriber whose buffer is full misses the event and the
// miss is counted.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one notification. Data should be a small value type.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered subscriber. With no types every event is
	// delivered; otherwise only events whose Type equals one of types, or
	// starts with a type ending in ".", are delivered.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many deliveries were skipped because a subscriber was full.
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[*subscription]struct{}{}}
}

type subscription struct {
	ch       chan Event
	all      bool
	exact    map[string]bool
	prefixes []string
}

func newSubscription(buffer int, types []string) *subscription {
	s := &subscription{ch: make(chan Event, buffer), all: len(types) == 0, exact: map[string]bool{}}
	for _, t := range types {
		if strings.HasSuffix(t, ".") {
			s.prefixes = append(s.prefixes, t)
		} else {
			s.exact[t] = true
		}
	}
	return s
}

func (s *subscription) matches(t string) bool {
	if s.all || s.exact[t] {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// memBus sends under the read lock; unsubscribe closes under the write
// lock, so a send never races a close.
type memBus struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.matches(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := newSubscription(buffer, types)
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

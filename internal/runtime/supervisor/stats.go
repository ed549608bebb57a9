package supervisor

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Counters are operational signals only, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// NameStats aggregates every goroutine started under one name.
type NameStats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Started   uint64    `json:"started"`
	Panics    uint64    `json:"panics"`
	Restarts  uint64    `json:"restarts"`
	LastStart time.Time `json:"last_start"`
	LastErr   string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Names      []NameStats `json:"names"`
}

type tracker struct {
	mu    sync.Mutex
	total Counters
	names map[string]*NameStats
}

func (t *tracker) with(name string, fn func(st *NameStats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.names[name]
	if !ok {
		st = &NameStats{Name: name}
		t.names[name] = st
	}
	fn(st)
}

func (t *tracker) begin(name string, restart bool) {
	t.with(name, func(st *NameStats) {
		t.total.Started++
		t.total.Active++
		st.Started++
		st.Active++
		st.LastStart = time.Now()
		if restart {
			st.Restarts++
		}
	})
}

func (t *tracker) end(name string, err error) {
	t.with(name, func(st *NameStats) {
		t.total.Active--
		st.Active--
		if err != nil {
			st.LastErr = err.Error()
		}
	})
}

func (t *tracker) panicked(name string) {
	t.with(name, func(st *NameStats) { st.Panics++ })
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	return s.stats.total
}

// Snapshot lists per-name stats, busiest first. It is meant for debug
// output.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.stats.mu.Lock()
	snap.Counters = s.stats.total
	for _, st := range s.stats.names {
		snap.Names = append(snap.Names, *st)
	}
	s.stats.mu.Unlock()

	slices.SortFunc(snap.Names, func(a, b NameStats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return snap
}

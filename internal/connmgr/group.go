package connmgr

import (
	"sort"
	"sync"
)

// Group is a caller-held set of keys for bulk lifecycle control. It does not
// own the operations: keys that have since finished are skipped silently.
// A Group is safe for concurrent use.
type Group struct {
	m *Manager

	mu   sync.Mutex
	keys map[Key]struct{}
}

// NewGroup returns an empty group bound to m.
func (m *Manager) NewGroup(keys ...Key) *Group {
	g := &Group{m: m, keys: map[Key]struct{}{}}
	for _, k := range keys {
		g.Add(k)
	}
	return g
}

func (g *Group) Add(k Key) {
	if g == nil || k == NoKey {
		return
	}
	g.mu.Lock()
	if g.keys == nil {
		g.keys = map[Key]struct{}{}
	}
	g.keys[k] = struct{}{}
	g.mu.Unlock()
}

func (g *Group) Remove(k Key) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.keys, k)
	g.mu.Unlock()
}

// Keys returns the keys in the group, ascending.
func (g *Group) Keys() []Key {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	out := make([]Key, 0, len(g.keys))
	for k := range g.keys {
		out = append(out, k)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Group) Len() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}

func (g *Group) manager() (*Manager, error) {
	if g == nil || g.m == nil {
		return nil, ErrInvalidGroup
	}
	return g.m, nil
}

// Cancel cancels every live key and returns how many were cancelled.
func (g *Group) Cancel() (int, error) {
	m, err := g.manager()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range g.Keys() {
		if _, ok := m.Cancel(k); ok {
			n++
		}
	}
	return n, nil
}

// Pause suspends every live key and returns how many were suspended.
func (g *Group) Pause() (int, error) {
	m, err := g.manager()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range g.Keys() {
		if m.Suspend(k) {
			n++
		}
	}
	return n, nil
}

// Resume resumes every paused key. Work that had to be resubmitted runs
// under a new key, which replaces the old one in the group.
func (g *Group) Resume() (int, error) {
	m, err := g.manager()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range g.Keys() {
		nk, ok := m.Resume(k)
		if !ok {
			continue
		}
		n++
		if nk != k {
			g.mu.Lock()
			delete(g.keys, k)
			g.keys[nk] = struct{}{}
			g.mu.Unlock()
		}
	}
	return n, nil
}

// SetPriority reprioritizes every live pending key.
func (g *Group) SetPriority(p Priority) (int, error) {
	m, err := g.manager()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range g.Keys() {
		if m.SetPriority(p, k) {
			n++
		}
	}
	return n, nil
}

package suspend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "connq/pkg/logx"
)

// Controller is the part of the connection manager a window drives.
type Controller interface {
	Freeze(queueID string)
	Unfreeze(queueID string)
	FreezeAll()
	UnfreezeAll()
}

// Window is one recurring freeze period.
type Window struct {
	Name     string
	Freeze   string
	Unfreeze string
	// Queues lists the queues to freeze. Empty means every foreground queue.
	Queues []string
}

// EntryInfo describes a scheduled window.
type EntryInfo struct {
	Name         string    `json:"name"`
	Active       bool      `json:"active"`
	NextFreeze   time.Time `json:"next_freeze"`
	NextUnfreeze time.Time `json:"next_unfreeze"`
}

// newParser accepts 5-field and 6-field (seconds first) specs plus
// descriptors like @daily and @every 1h.
func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Validate checks every window's schedules.
func Validate(windows []Window) error {
	p := newParser()
	var errs []error
	for _, w := range windows {
		if _, err := p.Parse(strings.TrimSpace(w.Freeze)); err != nil {
			errs = append(errs, fmt.Errorf("suspend window %q: freeze: %w", w.Name, err))
		}
		if _, err := p.Parse(strings.TrimSpace(w.Unfreeze)); err != nil {
			errs = append(errs, fmt.Errorf("suspend window %q: unfreeze: %w", w.Name, err))
		}
	}
	return errors.Join(errs...)
}

type entry struct {
	w        Window
	freeze   cron.EntryID
	unfreeze cron.EntryID
	active   bool
}

// Service owns the cron runner for all windows.
type Service struct {
	ctrl   Controller
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	windows []Window
	entries map[string]*entry
}

func New(ctrl Controller, log logx.Logger, windows []Window) *Service {
	return &Service{
		ctrl:    ctrl,
		log:     log,
		parser:  newParser(),
		loc:     time.Local,
		windows: windows,
		entries: map[string]*entry{},
	}
}

// Run schedules the windows and blocks until ctx is done. Windows still
// active when Run returns are unfrozen.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return errors.New("suspend: already running")
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, w := range s.windows {
		if err := s.addLocked(w); err != nil {
			s.log.Warn("suspend window skipped", logx.String("window", w.Name), logx.Err(err))
		}
	}
	c := s.c
	n := len(s.entries)
	s.mu.Unlock()

	c.Start()
	s.log.Info("suspend windows started", logx.Int("windows", n), logx.String("tz", s.loc.String()))
	<-ctx.Done()
	<-c.Stop().Done()

	s.mu.Lock()
	for name, e := range s.entries {
		if e.active {
			s.unfreeze(e)
		}
		delete(s.entries, name)
	}
	s.c = nil
	s.mu.Unlock()
	s.log.Info("suspend windows stopped")
	return nil
}

// Apply replaces the window set. Removed or changed windows that are active
// are unfrozen first.
func (s *Service) Apply(windows []Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = windows
	if s.c == nil {
		return
	}

	want := make(map[string]Window, len(windows))
	for _, w := range windows {
		want[w.Name] = w
	}
	for name, e := range s.entries {
		if w, ok := want[name]; ok && sameWindow(w, e.w) {
			delete(want, name)
			continue
		}
		s.removeLocked(e)
	}
	for _, w := range windows {
		if _, ok := want[w.Name]; !ok {
			continue
		}
		if err := s.addLocked(w); err != nil {
			s.log.Warn("suspend window skipped", logx.String("window", w.Name), logx.Err(err))
		}
	}
	s.log.Debug("suspend windows applied", logx.Int("windows", len(s.entries)))
}

func sameWindow(a, b Window) bool {
	return a.Name == b.Name && a.Freeze == b.Freeze && a.Unfreeze == b.Unfreeze &&
		strings.Join(a.Queues, "\x00") == strings.Join(b.Queues, "\x00")
}

func (s *Service) addLocked(w Window) error {
	fs, err := s.parser.Parse(strings.TrimSpace(w.Freeze))
	if err != nil {
		return fmt.Errorf("freeze: %w", err)
	}
	us, err := s.parser.Parse(strings.TrimSpace(w.Unfreeze))
	if err != nil {
		return fmt.Errorf("unfreeze: %w", err)
	}
	e := &entry{w: w}
	e.freeze = s.c.Schedule(fs, cron.FuncJob(func() { s.tick(w.Name, true) }))
	e.unfreeze = s.c.Schedule(us, cron.FuncJob(func() { s.tick(w.Name, false) }))
	s.entries[w.Name] = e
	return nil
}

func (s *Service) removeLocked(e *entry) {
	s.c.Remove(e.freeze)
	s.c.Remove(e.unfreeze)
	if e.active {
		s.unfreeze(e)
	}
	delete(s.entries, e.w.Name)
}

func (s *Service) tick(name string, freeze bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return
	}
	switch {
	case freeze && !e.active:
		s.freeze(e)
	case !freeze && e.active:
		s.unfreeze(e)
	}
}

func (s *Service) freeze(e *entry) {
	e.active = true
	if len(e.w.Queues) == 0 {
		s.ctrl.FreezeAll()
	} else {
		for _, q := range e.w.Queues {
			s.ctrl.Freeze(q)
		}
	}
	s.log.Info("suspend window opened", logx.String("window", e.w.Name), logx.Any("queues", e.w.Queues))
}

func (s *Service) unfreeze(e *entry) {
	e.active = false
	if len(e.w.Queues) == 0 {
		s.ctrl.UnfreezeAll()
	} else {
		for _, q := range e.w.Queues {
			s.ctrl.Unfreeze(q)
		}
	}
	s.log.Info("suspend window closed", logx.String("window", e.w.Name), logx.Any("queues", e.w.Queues))
}

// Entries reports the scheduled windows sorted by name.
func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for name, e := range s.entries {
		info := EntryInfo{Name: name, Active: e.active}
		if s.c != nil {
			info.NextFreeze = s.c.Entry(e.freeze).Next
			info.NextUnfreeze = s.c.Entry(e.unfreeze).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

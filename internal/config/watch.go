package config

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "connq/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file on change until ctx is done. The directory is
// watched rather than the file so editors that replace the file are seen.
// A broken watcher is recreated after a jittered, growing delay.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	log := m.log.With(logx.String("dir", dir), logx.String("file", file))

	kick := make(chan struct{}, 1)
	go m.debounceReloads(ctx, kick)
	changed := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}

	delay := watchRetryMin
	for ctx.Err() == nil {
		w, err := openWatcher(dir)
		if err != nil {
			log.Warn("config watch init failed", logx.Err(err))
		} else {
			delay = watchRetryMin
			log.Debug("config watcher started")
			m.consume(ctx, w, file, changed)
			_ = w.Close()
			if ctx.Err() != nil {
				break
			}
			log.Warn("config watcher stopped; restarting")
		}
		if !sleepCtx(ctx, delay+rand.N(delay/2+1)) {
			break
		}
		delay = min(2*delay, watchRetryMax)
	}
	return nil
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// debounceReloads runs one reload per burst of change notifications.
func (m *Manager) debounceReloads(ctx context.Context, kick <-chan struct{}) {
	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			t.Reset(reloadDebounce)
		case <-t.C:
			m.reload(ctx)
		}
	}
}

// consume forwards relevant events until ctx is done or the watcher breaks.
func (m *Manager) consume(ctx context.Context, w *fsnotify.Watcher, file string, changed func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			if err == fsnotify.ErrEventOverflow {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				changed()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(strings.ToLower(err.Error()), "closed") {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

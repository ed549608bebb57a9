package supervisor

import (
	"context"
	"fmt"
	"time"

	logx "connq/pkg/logx"
)

// A run that lasted this long resets the backoff.
const healthyRun = 30 * time.Second

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff sets the first and the largest delay between runs.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts limits restarts before giving up. The first run is not
// counted.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// GoRestart runs fn and reruns it after an error or panic, doubling the
// delay each time, until fn returns nil or the context ends. Running out of
// restarts records the last error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(func() {
		delay := p.min
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			s.stats.begin(name, restarts > 0)
			began := time.Now()
			err := s.protect(name, fn)
			if benign(err) || s.ctx.Err() != nil {
				s.stats.end(name, nil)
				return
			}
			s.stats.end(name, err)

			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("goroutine gave up after restarts",
					logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			if time.Since(began) >= healthyRun {
				delay = p.min
			}
			s.log.Warn("goroutine restarting",
				logx.String("name", name), logx.Duration("backoff", delay), logx.Err(err))

			t := time.NewTimer(delay)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay = min(2*delay, p.max)
		}
	})
}

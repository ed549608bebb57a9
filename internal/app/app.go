package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"connq/internal/config"
	"connq/internal/connmgr"
	"connq/internal/eventbus"
	"connq/internal/observability/status"
	"connq/internal/runtime/supervisor"
	"connq/internal/storage"
	"connq/internal/suspend"
	"connq/internal/transport"
	"connq/internal/transport/httpx"
	logx "connq/pkg/logx"
)

// App wires config, logging, storage, transport, the connection manager and
// the suspend windows together.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tr      *httpx.Transport
	mgr     *connmgr.Manager
	windows *suspend.Service
	status  *status.Service

	stopped      atomic.Bool
	connFailures atomic.Int64
	authFailures atomic.Int64
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tc, err := mapTransportConfig(cfg)
	if err != nil {
		return nil, err
	}
	tr := httpx.New(tc, httpx.WithLogger(log.With(logx.String("comp", "httpx"))))

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		tr:    tr,
	}
	a.mgr = connmgr.New(mapManagerConfig(cfg), tr,
		connmgr.WithLogger(log),
		connmgr.WithBus(bus),
		connmgr.WithStore(store),
		connmgr.WithConnectionFailureHook(a.onConnectionFailure),
		connmgr.WithAuthenticationFailureHook(a.onAuthenticationFailure),
	)
	a.windows = suspend.New(a.mgr, log.With(logx.String("comp", "suspend")), mapWindows(cfg))

	stc, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.status = status.New(stc, status.Deps{Scheduler: a.mgr, Store: store, Windows: a.windows},
		log.With(logx.String("comp", "status")))
	return a, nil
}

func (a *App) Manager() *connmgr.Manager { return a.mgr }

// Store returns the outcome store, nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) onConnectionFailure(op *connmgr.Operation, err error) {
	a.connFailures.Add(1)
	a.log.Debug("connection failure", logx.String("request_id", op.RequestID()), logx.Err(err))
}

func (a *App) onAuthenticationFailure(op *connmgr.Operation, ch transport.Challenge) {
	a.authFailures.Add(1)
	a.log.Warn("authentication failed",
		logx.String("request_id", op.RequestID()),
		logx.String("space", ch.Space.String()),
		logx.Int("previous_failures", ch.PreviousFailures),
	)
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	connmgr.SetDefault(a.mgr)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	a.status.Start(a.sup.Context())
	a.sup.GoRestart("suspend.windows", a.windows.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	events, unsub := a.bus.Subscribe(128, "operation.", "queue.", "connections.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes a reloaded config to every live component. Transport
// and storage are built once; changes to them are only logged.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	a.mgr.Apply(mapManagerConfig(next))
	a.windows.Apply(mapWindows(next))
	if sc, err := mapStatusConfig(next); err == nil {
		a.status.Reconfigure(a.sup.Context(), sc)
	}

	for _, s := range sections {
		if s == "transport" || s == "storage" {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// FetchRequest is one request for Fetch.
type FetchRequest struct {
	Request  transport.Request
	Queue    string
	Priority connmgr.Priority
}

type fetchDone struct {
	i   int
	res connmgr.Result
}

// Fetch submits reqs and waits for all of them. Results are in request
// order. Work stopped by a freeze is followed to its resumed key. When ctx
// ends first, outstanding work is cancelled and still reported.
func (a *App) Fetch(ctx context.Context, reqs []FetchRequest, opts ...connmgr.Option) []connmgr.Result {
	results := make([]connmgr.Result, len(reqs))
	keys := make([]connmgr.Key, len(reqs))
	parked := make([]bool, len(reqs))
	finished := make([]bool, len(reqs))
	byID := make(map[string]int, len(reqs))
	done := make(chan fetchDone, len(reqs))

	resumed, unsub := a.bus.Subscribe(len(reqs)+16, connmgr.EventOperationResumed)
	defer unsub()

	batch := uuid.NewString()
	waiting := 0
	for i, r := range reqs {
		id := fmt.Sprintf("%s/%d", batch, i)
		byID[id] = i
		o := append([]connmgr.Option{
			connmgr.InQueue(r.Queue),
			connmgr.WithPriority(r.Priority),
			connmgr.WithRequestID(id),
			connmgr.WithCompletion(func(res connmgr.Result) { done <- fetchDone{i: i, res: res} }),
		}, opts...)
		k := a.mgr.Submit(r.Request, o...)
		if k == connmgr.NoKey {
			results[i] = connmgr.Result{Err: connmgr.ErrClosed}
			finished[i] = true
			continue
		}
		keys[i] = k
		waiting++
	}

	cancelled := false
	stop := ctx.Done()
	for waiting > 0 {
		select {
		case d := <-done:
			if d.res.Suspended {
				// A resumed event may have overtaken this callback.
				if keys[d.i] == d.res.Key {
					parked[d.i] = true
					if cancelled {
						a.cancelFetch(d.i, keys, parked, results, finished, &waiting)
					}
				}
				continue
			}
			results[d.i] = d.res
			finished[d.i] = true
			waiting--
		case e := <-resumed:
			ev, ok := e.Data.(connmgr.ResumedEvent)
			if !ok {
				continue
			}
			i, ok := byID[ev.RequestID]
			if !ok || finished[i] {
				continue
			}
			keys[i] = ev.NewKey
			parked[i] = false
			if cancelled {
				a.mgr.Cancel(ev.NewKey)
			}
		case <-stop:
			stop = nil
			cancelled = true
			for i := range reqs {
				if !finished[i] {
					a.cancelFetch(i, keys, parked, results, finished, &waiting)
				}
			}
		}
	}
	return results
}

// cancelFetch cancels request i. Parked work has no callback left to
// deliver, so it is finished here.
func (a *App) cancelFetch(i int, keys []connmgr.Key, parked []bool, results []connmgr.Result, finished []bool, waiting *int) {
	_, ok := a.mgr.Cancel(keys[i])
	if parked[i] && ok {
		results[i] = connmgr.Result{Key: keys[i], Err: connmgr.ErrCancelled}
		finished[i] = true
		*waiting--
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	// Windows unfreeze on exit, so they stop before the manager closes.
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("connmgr", 4*time.Second, a.mgr.Close)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	connmgr.SetDefault(nil)
	a.log.Info("stopped",
		logx.Int64("connection_failures", a.connFailures.Load()),
		logx.Int64("authentication_failures", a.authFailures.Load()),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

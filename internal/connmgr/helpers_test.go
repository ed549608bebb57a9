package connmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"connq/internal/transport"
)

const waitFor = 2 * time.Second

type reply struct {
	resp transport.Response
	body []byte
	err  error
}

// call is one in-flight Do on the gated transport.
type call struct {
	ctx     context.Context
	req     transport.Request
	ev      transport.Events
	release chan reply
}

func (c *call) succeed(body string) {
	c.release <- reply{resp: transport.Response{StatusCode: 200, Status: "200 OK"}, body: []byte(body)}
}

func (c *call) fail(err error) { c.release <- reply{err: err} }

// gatedTransport blocks every Do until the test releases it or the
// operation is aborted.
type gatedTransport struct {
	calls     chan *call
	active    atomic.Int32
	maxActive atomic.Int32
}

func newGated() *gatedTransport {
	return &gatedTransport{calls: make(chan *call, 256)}
}

func (g *gatedTransport) Do(ctx context.Context, req transport.Request, ev transport.Events) (transport.Response, []byte, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		cur := g.maxActive.Load()
		if n <= cur || g.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	c := &call{ctx: ctx, req: req, ev: ev, release: make(chan reply, 1)}
	g.calls <- c
	select {
	case r := <-c.release:
		return r.resp, r.body, r.err
	case <-ctx.Done():
		return transport.Response{}, nil, ctx.Err()
	}
}

func (g *gatedTransport) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for transport call")
		return nil
	}
}

func (g *gatedTransport) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-g.calls:
		t.Fatalf("unexpected transport call for %s", c.req.URL)
	case <-time.After(50 * time.Millisecond):
	}
}

// results collects completion callbacks by key.
type results struct {
	mu  sync.Mutex
	byK map[Key][]Result
}

func newResults() *results {
	return &results{byK: map[Key][]Result{}}
}

func (r *results) fn() CompletionFunc {
	return func(res Result) {
		r.mu.Lock()
		r.byK[res.Key] = append(r.byK[res.Key], res)
		r.mu.Unlock()
	}
}

func (r *results) wait(t *testing.T, k Key) Result {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := r.byK[k]
		r.mu.Unlock()
		if len(got) > 0 {
			return got[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for completion of key %d", k)
	return Result{}
}

func (r *results) count(k Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byK[k])
}

func newTestManager(t *testing.T, cfg Config, tr transport.Transport, opts ...ManagerOption) *Manager {
	t.Helper()
	m := New(cfg, tr, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func get(url string) transport.Request {
	return transport.Request{Method: "GET", URL: url}
}

// settle waits for already-dispatched callbacks to run.
func settle(t *testing.T, m *Manager) {
	t.Helper()
	done := make(chan struct{})
	m.notify.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("notifier did not drain")
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"connq/internal/connmgr"
	"connq/internal/transport"
)

func newTestApp(t *testing.T, extra string) *App {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`{
		"logging": {"level": "error"},
		"scheduler": {
			"auto_concurrency": 2,
			"credentials": {"127.0.0.1": {"user": "alice", "password": "s3cret"}}
		},
		"storage": {"driver": "file", "path": %q}%s
	}`, filepath.Join(dir, "connq.db"), extra)
	path := filepath.Join(dir, "connq.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func get(url string) FetchRequest {
	return FetchRequest{Request: transport.Request{Method: http.MethodGet, URL: url}}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "connq.json")
	body := `{"suspend_windows":[{"name":"w","freeze":"not cron","unfreeze":"@daily"}]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestFetchOutcomes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("hello"))
		case "/private":
			if u, p, ok := r.BasicAuth(); ok && u == "alice" && p == "s3cret" {
				_, _ = w.Write([]byte("secret"))
				return
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="private"`)
			w.WriteHeader(http.StatusUnauthorized)
		case "/locked":
			w.Header().Set("WWW-Authenticate", `Basic realm="locked"`)
			w.WriteHeader(http.StatusUnauthorized)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := newTestApp(t, "")
	res := a.Fetch(context.Background(), []FetchRequest{
		get(srv.URL + "/ok"),
		get(srv.URL + "/private"),
		get(srv.URL + "/locked"),
		get("http://127.0.0.1:1/refused"),
	})
	if len(res) != 4 {
		t.Fatalf("got %d results", len(res))
	}
	if res[0].Err != nil || string(res[0].Body) != "hello" {
		t.Fatalf("ok result = %+v", res[0])
	}
	if res[1].Err != nil || string(res[1].Body) != "secret" {
		t.Fatalf("private result = %+v", res[1])
	}
	if !errors.Is(res[2].Err, connmgr.ErrAuthenticationFailed) {
		t.Fatalf("locked err = %v, want ErrAuthenticationFailed", res[2].Err)
	}
	var te *connmgr.TransportError
	if !errors.As(res[3].Err, &te) {
		t.Fatalf("refused err = %v, want TransportError", res[3].Err)
	}

	if got := len(a.Manager().History()); got != 4 {
		t.Fatalf("history has %d items, want 4", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.authFailures.Load() != 1 || a.connFailures.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("hooks: auth=%d conn=%d, want 1 each", a.authFailures.Load(), a.connFailures.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFetchCancelledByContext(t *testing.T) {
	t.Parallel()
	arrived := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := newTestApp(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()
	res := a.Fetch(ctx, []FetchRequest{get(srv.URL + "/slow"), get(srv.URL + "/slow")})
	for i, r := range res {
		if !errors.Is(r.Err, connmgr.ErrCancelled) {
			t.Fatalf("result %d err = %v, want ErrCancelled", i, r.Err)
		}
	}
}

func TestFetchFollowsFrozenWork(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	first := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(first)
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte("resumed"))
	}))
	defer srv.Close()

	a := newTestApp(t, "")
	m := a.Manager()
	go func() {
		<-first
		m.FreezeAll()
		time.Sleep(50 * time.Millisecond)
		m.UnfreezeAll()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := a.Fetch(ctx, []FetchRequest{get(srv.URL + "/x")})
	if res[0].Err != nil || string(res[0].Body) != "resumed" {
		t.Fatalf("result = %+v", res[0])
	}
	if calls.Load() != 2 {
		t.Fatalf("server saw %d calls, want 2", calls.Load())
	}
}

func TestFetchAfterStop(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	res := a.Fetch(context.Background(), []FetchRequest{get("http://127.0.0.1:1/")})
	if !errors.Is(res[0].Err, connmgr.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", res[0].Err)
	}
}

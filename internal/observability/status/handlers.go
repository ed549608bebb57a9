package status

import (
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"connq/internal/connmgr"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 1000
)

// Handler builds the server's routes:
//
//	GET  /healthz
//	GET  /status             manager snapshot and suspend windows
//	GET  /history            in-memory outcome ring
//	GET  /outcomes?limit=N   persisted outcomes, newest first
//	POST /freeze?queue=ID    FreezeAll without queue
//	POST /unfreeze?queue=ID  UnfreezeAll without queue
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler { return withAuth(cfg.Token, h) }

	mux.Handle("GET /healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("GET /status", wrap(s.handleStatus))
	mux.Handle("GET /history", wrap(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.deps.Scheduler.History())
	}))
	mux.Handle("GET /outcomes", wrap(s.handleOutcomes))
	mux.Handle("POST /freeze", wrap(s.handleFreeze(true)))
	mux.Handle("POST /unfreeze", wrap(s.handleFreeze(false)))

	if cfg.Pprof {
		mux.Handle("/debug/pprof/", wrap(hpprof.Index))
		mux.Handle("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.Handle("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.Handle("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.Handle("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

type statusBody struct {
	Scheduler connmgr.Snapshot `json:"scheduler"`
	Windows   any              `json:"suspend_windows,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := statusBody{Scheduler: s.deps.Scheduler.Snapshot()}
	if s.deps.Windows != nil {
		body.Windows = s.deps.Windows.Entries()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Service) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, "storage disabled")
		return
	}
	limit := defaultOutcomeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxOutcomeLimit)
	}
	out, err := s.deps.Store.RecentOutcomes(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleFreeze(freeze bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, scoped := r.URL.Query()["queue"]
		sched := s.deps.Scheduler
		switch {
		case scoped && freeze:
			sched.Freeze(q[0])
		case scoped:
			sched.Unfreeze(q[0])
		case freeze:
			sched.FreezeAll()
		default:
			sched.UnfreezeAll()
		}
		writeJSON(w, http.StatusOK, sched.Snapshot())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	})
}

// Package health serves the relay's probe endpoints on a listener separate
// from the relay protocol, so probes never authenticate.
//
//	GET /health   {"status":"ok","connections":N,"uptime":S}
//	GET /healthz  always 200
//	GET /readyz   200 only while every [Checker] passes, 503 otherwise
//
// Any other path is 404.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ConnectionCounter reports the number of open relay sessions.
type ConnectionCounter interface {
	ActiveSessions() int64
}

// CounterFunc adapts a function to [ConnectionCounter].
type CounterFunc func() int64

func (f CounterFunc) ActiveSessions() int64 { return f() }

// Checker is a named readiness check. Check returns nil when the dependency
// can serve traffic and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the body of /healthz and /readyz. Each check maps to "ok" or
// "fail: <reason>".
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == "ok" }

type liveness struct {
	Status      string  `json:"status"`
	Connections int64   `json:"connections"`
	Uptime      float64 `json:"uptime"`
}

// Handler serves the probe endpoints. Its checker list is fixed by [New].
type Handler struct {
	conns    ConnectionCounter
	checkers []Checker
	started  time.Time
	now      func() time.Time
}

// New returns a Handler reporting conns on /health and running checkers on
// every /readyz. A nil conns reports zero connections.
func New(conns ConnectionCounter, checkers ...Checker) *Handler {
	if conns == nil {
		conns = CounterFunc(func() int64 { return 0 })
	}
	return &Handler{
		conns:    conns,
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Health reports liveness with the open session count and uptime.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveness{
		Status:      "ok",
		Connections: h.conns.ActiveSessions(),
		Uptime:      h.now().Sub(h.started).Seconds(),
	})
}

// Healthz answers 200 for as long as the process can serve HTTP.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz answers 200 while every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Check runs all checkers concurrently, each under its own [checkTimeout]
// derived from ctx.
func (h *Handler) Check(ctx context.Context) Report {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
		})
	}
	wg.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		if errs[i] != nil {
			rep.Status = "fail"
			rep.Checks[c.Name] = "fail: " + errs[i].Error()
			continue
		}
		rep.Checks[c.Name] = "ok"
	}
	return rep
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

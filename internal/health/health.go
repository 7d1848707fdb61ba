// Package health serves the liveness and readiness endpoints of echoloop.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only while the passthrough pipeline is running and
//     every additional [Checker] passes. A pipeline that is pre-filling,
//     restarting after a reload, or stopped is not ready.
//
// Both answer with a JSON [Status]. The readiness body also carries a
// snapshot of the pipeline queue so an operator can see how full the delay
// line is without scraping /metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// checkTimeout bounds each additional readiness check.
const checkTimeout = 5 * time.Second

// ErrNotRunning is the readiness failure reported while the pipeline is down.
var ErrNotRunning = errors.New("pipeline not running")

// Pipeline is the part of the passthrough the readiness endpoint reports on.
type Pipeline interface {
	IsRunning() bool
	QueueLen() int
	QueueCap() int
}

// Checker is an additional named readiness condition.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Status is the JSON body of both endpoints.
type Status struct {
	Status   string            `json:"status"`
	Pipeline *PipelineStatus   `json:"pipeline,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// PipelineStatus snapshots the pipeline queue.
type PipelineStatus struct {
	Running       bool    `json:"running"`
	QueueFill     int     `json:"queue_fill"`
	QueueCapacity int     `json:"queue_capacity"`
	FillRatio     float64 `json:"fill_ratio"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use.
type Handler struct {
	pipeline Pipeline
	checkers []Checker
}

// New returns a Handler reporting on p. A nil p leaves readiness to the
// extra checkers alone.
func New(p Pipeline, extra ...Checker) *Handler {
	return &Handler{pipeline: p, checkers: append([]Checker(nil), extra...)}
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Status{Status: "ok"})
}

// Readyz answers 200 while the pipeline runs and every checker passes, and
// 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	st := Status{Status: "ok", Checks: make(map[string]string, len(h.checkers)+1)}

	if h.pipeline != nil {
		ps := snapshot(h.pipeline)
		st.Pipeline = &ps
		st.Checks["pipeline"] = outcome(nil)
		if !ps.Running {
			st.Checks["pipeline"] = outcome(ErrNotRunning)
			st.Status = "fail"
		}
	}

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		st.Checks[c.Name] = outcome(err)
		if err != nil {
			st.Status = "fail"
		}
	}

	code := http.StatusOK
	if st.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func snapshot(p Pipeline) PipelineStatus {
	ps := PipelineStatus{
		Running:       p.IsRunning(),
		QueueFill:     p.QueueLen(),
		QueueCapacity: p.QueueCap(),
	}
	if ps.QueueCapacity > 0 {
		ps.FillRatio = float64(ps.QueueFill) / float64(ps.QueueCapacity)
	}
	return ps
}

func outcome(err error) string {
	if err != nil {
		return "fail: " + err.Error()
	}
	return "ok"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

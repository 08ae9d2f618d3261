package daemon

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type statusResponse struct {
	Uptime  string   `json:"uptime"`
	Roots   []string `json:"roots"`
	Watched int      `json:"watched"`
	Alerts  uint64   `json:"alerts"`
	Dropped uint64   `json:"dropped"`
	Pid     int      `json:"pid"`
}

func (d *Daemon) opsHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	r.Get("/api/status", d.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))
	return r
}

func (d *Daemon) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Uptime:  time.Since(d.started).Round(time.Second).String(),
		Roots:   d.tree.Roots(),
		Watched: d.tree.Len(),
		Alerts:  d.pump.Alerts(),
		Dropped: d.pump.Dropped(),
		Pid:     os.Getpid(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

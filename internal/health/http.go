package health

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Router returns the HTTP routes of the endpoint.
//
//	GET /healthz  storage check and RESP port dial
//	GET /readyz   200 between Start and Destroy
//	GET /metrics  Prometheus exposition
func (e *Endpoint) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", e.handleHealth)
	r.Get("/readyz", e.handleReady)
	if e.opts.Registry != nil {
		r.Method(http.MethodGet, "/metrics", e.opts.Registry.Handler())
	}
	return r
}

func (e *Endpoint) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: "ok", Checks: map[string]string{}}
	if e.opts.Storage != nil {
		if err := e.opts.Storage.CheckHealth(); err != nil {
			resp.Status = "not_serving"
			resp.Checks["storage"] = err.Error()
		} else {
			resp.Checks["storage"] = "ok"
		}
	}
	if addr := e.serverAddr(); addr != "" {
		conn, err := net.DialTimeout("tcp", addr, e.opts.DialTimeout)
		if err != nil {
			resp.Status = "not_serving"
			resp.Checks["server"] = err.Error()
		} else {
			_ = conn.Close()
			resp.Checks["server"] = "ok"
		}
	} else {
		resp.Checks["server"] = "not_launched"
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (e *Endpoint) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !e.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ready"})
}

func (e *Endpoint) serverAddr() string {
	if e.opts.ServerAddr == nil {
		return ""
	}
	return e.opts.ServerAddr()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

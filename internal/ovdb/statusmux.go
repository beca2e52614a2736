package ovdb

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// StatusServer exposes a minimal inspection surface over the monitor
// and read-server pool: /healthz and /stats. This is the only HTTP
// surface this subsystem carries — the teacher's gin-based web UI is
// out of scope (see DESIGN.md).
type StatusServer struct {
	Monitor *Monitor
	Pool    *Pool
}

func (s *StatusServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return r
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statsResponse struct {
	Partitions int   `json:"partitions"`
	Workers    int   `json:"workers,omitempty"`
	WorkerCaps []int `json:"-"`
}

func (s *StatusServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{}
	if s.Monitor != nil {
		resp.Partitions = len(s.Monitor.Store.parts)
	}
	if s.Pool != nil {
		resp.Workers = s.Pool.N
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

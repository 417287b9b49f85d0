// Package debugserver exposes the controller's operator-facing debug and
// metrics HTTP surface, routed with gorilla/mux and guarded by
// adminauth.Guard, grounded on the teacher's coordinatorpkg StartServer
// shape (net/http.HandleFunc API surface, reworked onto gorilla/mux per
// the rest of the retrieval pack's test tooling).
package debugserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"distbuildctl/internal/adminauth"
)

// WorkerSnapshot is one row of /debug/workers.
type WorkerSnapshot struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// JobSnapshot is one row of /debug/jobs.
type JobSnapshot struct {
	Basename       string   `json:"basename"`
	Initiators     []string `json:"initiators"`
	AssignedWorker string   `json:"assigned_worker,omitempty"`
	IsBuilding     bool     `json:"is_building"`
}

// Sources supplies the live data debugserver renders. Implementations
// read from the event loop's singletons; since those live entirely on
// the Loop goroutine, implementations must hand back a snapshot rather
// than a live reference.
type Sources struct {
	Workers func() []WorkerSnapshot
	Jobs    func() []JobSnapshot
}

// Server is the debug/admin HTTP server.
type Server struct {
	httpServer *http.Server
	guard      *adminauth.Guard
}

// New builds the router for addr, guarding every route except /metrics
// (left open for scrape tooling that can't carry a bearer token) with
// guard.
func New(addr string, guard *adminauth.Guard, sources Sources) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	admin := r.NewRoute().Subrouter()
	admin.Use(guard.Middleware)
	admin.HandleFunc("/debug/vars", handleVars).Methods(http.MethodGet)
	admin.HandleFunc("/debug/workers", handleWorkers(sources)).Methods(http.MethodGet)
	admin.HandleFunc("/debug/jobs", handleJobs(sources)).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: r},
		guard:      guard,
	}
}

// ListenAndServe runs the server; it blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func handleVars(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func handleWorkers(sources Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var workers []WorkerSnapshot
		if sources.Workers != nil {
			workers = sources.Workers()
		}
		writeJSON(w, workers)
	}
}

func handleJobs(sources Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var jobs []JobSnapshot
		if sources.Jobs != nil {
			jobs = sources.Jobs()
		}
		writeJSON(w, jobs)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// testRoutes exposes the load-test helpers: capacity probes, live stats and
// manual pool scaling. They read and command the core directly, so they are
// registered only when the serving components are wired.
func (s *Server) testRoutes(r *mux.Router) {
	if s.deps.Pool != nil {
		r.HandleFunc("/capacity/{n}", s.handleCapacity).Methods(http.MethodGet)
		r.HandleFunc("/scale-up/{target}", s.handleScaleUp).Methods(http.MethodGet)
	}
	if s.deps.Monitor != nil {
		r.HandleFunc("/stats", s.handleTestStats).Methods(http.MethodGet)
		r.HandleFunc("/health", s.handleTestHealth).Methods(http.MethodGet)
	}
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil || n < 0 {
		s.fail(w, http.StatusBadRequest, "n: want non-negative integer")
		return
	}
	st := s.deps.Pool.Stats()
	s.respond(w, http.StatusOK, map[string]any{
		"devices":           n,
		"canServe":          s.deps.Pool.CanServe(n),
		"devicesPerSession": s.deps.Pool.DevicesPerSession(),
		"pool":              st,
	})
}

func (s *Server) handleScaleUp(w http.ResponseWriter, r *http.Request) {
	target, err := strconv.Atoi(mux.Vars(r)["target"])
	if err != nil || target < 1 {
		s.fail(w, http.StatusBadRequest, "target: want positive integer")
		return
	}
	if err := s.deps.Pool.ForceScale(target); err != nil {
		// The pool refused the command: above max or not running.
		s.fail(w, http.StatusConflict, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"target": target,
		"pool":   s.deps.Pool.Stats(),
	})
}

func (s *Server) handleTestStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.deps.Monitor.Snapshot())
}

func (s *Server) handleTestHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Monitor.Check(r.Context())
	status := http.StatusOK
	env := envelope{Data: report}
	if !report.Healthy {
		status = http.StatusServiceUnavailable
		env.Error = "one or more probes unhealthy"
	}
	s.write(w, status, env)
}

package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleettrack/gps-ingester/internal/maintenance"
)

// partitionRoutes registers the partition admin surface. The scheduler routes
// go in before the {name} routes so "scheduler" never binds as a partition
// name.
func (s *Server) partitionRoutes(r *mux.Router) {
	r.HandleFunc("/list", s.handlePartitionList).Methods(http.MethodGet)
	r.HandleFunc("/create", s.handlePartitionCreate).Methods(http.MethodPost)
	r.HandleFunc("/create-current", s.handlePartitionCreateCurrent).Methods(http.MethodPost)
	r.HandleFunc("/create-future", s.handlePartitionCreateFuture).Methods(http.MethodPost)
	r.HandleFunc("/maintenance", s.handlePartitionMaintenance).Methods(http.MethodPost)
	r.HandleFunc("/cleanup", s.handlePartitionCleanup).Methods(http.MethodPost)

	if s.deps.Scheduler != nil {
		r.HandleFunc("/scheduler/config", s.handleSchedulerConfig).Methods(http.MethodGet)
		r.HandleFunc("/scheduler/status", s.handleSchedulerStatus).Methods(http.MethodGet)
		r.HandleFunc("/scheduler/trigger/{duty}", s.handleSchedulerTrigger).Methods(http.MethodPost)
	}

	r.HandleFunc("/{name}/info", s.handlePartitionInfo).Methods(http.MethodGet)
	r.HandleFunc("/{name}/health", s.handlePartitionHealth).Methods(http.MethodGet)
	r.HandleFunc("/{name}/metrics", s.handlePartitionMetrics).Methods(http.MethodGet)
	r.HandleFunc("/{name}/optimize", s.handlePartitionOptimize).Methods(http.MethodPost)
	r.HandleFunc("/{name}/analyze", s.handlePartitionAnalyze).Methods(http.MethodPost)
	r.HandleFunc("/{name}", s.handlePartitionDrop).Methods(http.MethodDelete)
}

func (s *Server) handlePartitionList(w http.ResponseWriter, r *http.Request) {
	parts, err := s.deps.Partitions.List(r.Context())
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":      len(parts),
		"partitions": parts,
	})
}

func (s *Server) handlePartitionInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Partitions.Info(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, info)
}

func (s *Server) handlePartitionHealth(w http.ResponseWriter, r *http.Request) {
	ph, err := s.deps.Partitions.Health(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, ph)
}

func (s *Server) handlePartitionMetrics(w http.ResponseWriter, r *http.Request) {
	pm, err := s.deps.Partitions.Metrics(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, pm)
}

func (s *Server) handlePartitionCreate(w http.ResponseWriter, r *http.Request) {
	year, err := queryInt(r, "year", 0)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	month, err := queryInt(r, "month", 0)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if year == 0 || month == 0 {
		s.fail(w, http.StatusBadRequest, "year and month are required")
		return
	}

	created, err := s.deps.Partitions.EnsureMonth(r.Context(), year, time.Month(month))
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"partition": fmt.Sprintf("p_%04d%02d", year, month),
		"created":   created,
	})
}

func (s *Server) handlePartitionCreateCurrent(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	created, err := s.deps.Partitions.EnsureMonth(r.Context(), now.Year(), now.Month())
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"partition": maintenance.MonthName(now).String(),
		"created":   created,
	})
}

func (s *Server) handlePartitionCreateFuture(w http.ResponseWriter, r *http.Request) {
	months, err := queryInt(r, "months", 0)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.deps.Partitions.EnsureCurrentAndFuture(r.Context(), months)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"created": created,
		"count":   len(created),
	})
}

func (s *Server) handlePartitionMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Partitions.RunMaintenance(r.Context())
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, report)
}

func (s *Server) handlePartitionCleanup(w http.ResponseWriter, r *http.Request) {
	retention, err := queryInt(r, "retentionMonths", 0)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	dropped, err := s.deps.Partitions.Cleanup(r.Context(), retention)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"dropped": dropped,
		"count":   len(dropped),
	})
}

func (s *Server) handlePartitionOptimize(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.deps.Partitions.Optimize(r.Context(), name); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"partition": name, "optimized": true})
}

func (s *Server) handlePartitionAnalyze(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.deps.Partitions.Analyze(r.Context(), name); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"partition": name, "analyzed": true})
}

func (s *Server) handlePartitionDrop(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	force := queryBool(r, "force")
	if err := s.deps.Partitions.Drop(r.Context(), name, force); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"partition": name, "dropped": true, "force": force})
}

func (s *Server) handleSchedulerConfig(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.deps.Scheduler.Config())
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.deps.Scheduler.Status())
}

func (s *Server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	duty := mux.Vars(r)["duty"]
	switch duty {
	case maintenance.DutyDaily, maintenance.DutyWeekly, maintenance.DutyCleanup, maintenance.DutyAll:
	default:
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("unknown duty %q", duty))
		return
	}

	if err := s.deps.Scheduler.Trigger(r.Context(), duty, queryBool(r, "confirmAll")); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"duty": duty, "triggered": true})
}

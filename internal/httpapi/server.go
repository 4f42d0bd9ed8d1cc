// Package httpapi is the administrative HTTP surface. Handlers are thin:
// they parse parameters, forward to the core components and wrap the result
// in the response envelope. All state lives behind the Deps interfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/broadcast"
	"github.com/fleettrack/gps-ingester/internal/broker"
	"github.com/fleettrack/gps-ingester/internal/health"
	"github.com/fleettrack/gps-ingester/internal/history"
	"github.com/fleettrack/gps-ingester/internal/ingest"
	"github.com/fleettrack/gps-ingester/internal/lastloc"
	"github.com/fleettrack/gps-ingester/internal/maintenance"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
	"github.com/fleettrack/gps-ingester/internal/vehicles"
)

// PartitionAdmin is the partition manager surface the admin routes forward to.
type PartitionAdmin interface {
	List(ctx context.Context) ([]maintenance.PartitionInfo, error)
	Info(ctx context.Context, name string) (*maintenance.PartitionInfo, error)
	Health(ctx context.Context, name string) (*maintenance.PartitionHealth, error)
	Metrics(ctx context.Context, name string) (*maintenance.PartitionMetrics, error)
	EnsureMonth(ctx context.Context, year int, month time.Month) (bool, error)
	EnsureCurrentAndFuture(ctx context.Context, months int) ([]string, error)
	Optimize(ctx context.Context, name string) error
	Analyze(ctx context.Context, name string) error
	RunMaintenance(ctx context.Context) (*maintenance.MaintenanceReport, error)
	Drop(ctx context.Context, name string, force bool) error
	Cleanup(ctx context.Context, retentionMonths int) ([]string, error)
}

// DutyScheduler triggers and reports on the scheduled maintenance duties.
type DutyScheduler interface {
	Trigger(ctx context.Context, name string, confirmAll bool) error
	Status() map[string]maintenance.DutyStatus
	Config() map[string]any
}

// HistoryReader serves range queries off the partitioned history store.
type HistoryReader interface {
	Count(ctx context.Context, deviceID string, from, to time.Time) (int64, error)
	Range(ctx context.Context, q history.Query) ([]*telemetry.Sample, error)
	Stream(ctx context.Context, q history.Query, fn func(*telemetry.Sample) error) (int64, error)
	Stats(ctx context.Context, deviceID string, from, to time.Time) (*history.RangeStats, error)
	Distance(ctx context.Context, deviceID string, from, to time.Time) (float64, int64, error)
}

// LatestCache is the in-memory last-location view.
type LatestCache interface {
	Get(deviceID string) (*telemetry.Sample, bool)
}

// LatestStore is the durable last-location fallback for cache misses.
type LatestStore interface {
	Fetch(ctx context.Context, deviceID string) (*telemetry.Sample, error)
}

// Injector pushes admin-submitted samples through the ingest path, so HTTP
// upserts get the same dedup, persistence and fan-out as broker traffic.
type Injector interface {
	Inject(ctx context.Context, samples []*telemetry.Sample) (ingest.InjectResult, error)
}

// CapacityPool exposes the broker pool controls used by the test surface.
type CapacityPool interface {
	CanServe(devices int) bool
	ForceScale(sessions int) error
	Stats() broker.PoolStats
	DevicesPerSession() int
}

// HealthSource aggregates component health for readyz and the test surface.
type HealthSource interface {
	Check(ctx context.Context) health.Report
	Ready(ctx context.Context) error
	Snapshot() health.Snapshot
}

// SessionHub attaches upgraded connections to the push fan-out.
type SessionHub interface {
	Attach(conn *websocket.Conn) (*broadcast.Session, error)
}

// Deps wires the API onto the core. A nil field leaves its route group
// unregistered, so partial deployments expose a partial surface.
type Deps struct {
	Partitions PartitionAdmin
	Scheduler  DutyScheduler
	Reader     HistoryReader
	Cache      LatestCache
	Store      LatestStore
	Ingest     Injector
	Pool       CapacityPool
	Monitor    HealthSource
	Hub        SessionHub
}

type Server struct {
	srv      *http.Server
	deps     Deps
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The push channel is consumed by backend dashboards; origin
			// policy is enforced at the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.Named("http"),
	}

	r := mux.NewRouter()
	s.routes(r)
	s.srv = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func (s *Server) routes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.deps.Hub != nil {
		r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	}
	if s.deps.Partitions != nil {
		s.partitionRoutes(r.PathPrefix("/api/v1/partitions").Subrouter())
	}
	s.vehicleRoutes(r.PathPrefix("/api/vehicle").Subrouter())
	s.testRoutes(r.PathPrefix("/api/test").Subrouter())
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// envelope is the response wrapper on every admin endpoint.
type envelope struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

func (s *Server) write(w http.ResponseWriter, status int, env envelope) {
	env.Success = status < http.StatusBadRequest
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	s.write(w, status, envelope{Data: data})
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.write(w, status, envelope{Error: msg})
}

func (s *Server) failErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.fail(w, status, err.Error())
}

// statusFor maps the core error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case maintenance.IsKind(err, maintenance.KindNotFound):
		return http.StatusNotFound
	case maintenance.IsKind(err, maintenance.KindInvalidName):
		return http.StatusBadRequest
	case maintenance.IsKind(err, maintenance.KindAlreadyExists),
		maintenance.IsKind(err, maintenance.KindTooRecent):
		return http.StatusConflict
	case maintenance.IsKind(err, maintenance.KindPermission):
		return http.StatusForbidden
	case errors.Is(err, lastloc.ErrNotFound), errors.Is(err, vehicles.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrQueueFull):
		return http.StatusServiceUnavailable
	case telemetry.IsValidation(err):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.deps.Monitor == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "error": "monitor not wired"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Monitor.Ready(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// maxWallClock bounds open-ended range queries. recorded_at is a zone-less
// wall clock, so the bound is a date, not an instant.
var maxWallClock = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// timeRange reads the from/to query parameters in the device wall-clock
// layout. Absent bounds widen to the full range.
func timeRange(r *http.Request) (from, to time.Time, err error) {
	to = maxWallClock
	if v := r.URL.Query().Get("from"); v != "" {
		from, err = time.ParseInLocation(telemetry.TimeLayout, v, time.UTC)
		if err != nil {
			return from, to, fmt.Errorf("from: want layout %q", telemetry.TimeLayout)
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err = time.ParseInLocation(telemetry.TimeLayout, v, time.UTC)
		if err != nil {
			return from, to, fmt.Errorf("to: want layout %q", telemetry.TimeLayout)
		}
	}
	return from, to, nil
}

// queryInt reads an integer query parameter, def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: want integer, got %q", name, v)
	}
	return n, nil
}

// queryBool reads a boolean query parameter; absent or unparseable is false.
func queryBool(r *http.Request, name string) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && b
}

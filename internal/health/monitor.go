// Package health aggregates per-stage probes into one service verdict and
// publishes the periodic stats snapshot to push subscribers.
package health

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/broadcast"
	"github.com/fleettrack/gps-ingester/internal/broker"
	"github.com/fleettrack/gps-ingester/internal/dedup"
	"github.com/fleettrack/gps-ingester/internal/history"
	"github.com/fleettrack/gps-ingester/internal/ingest"
	"github.com/fleettrack/gps-ingester/internal/lastloc"
	"github.com/fleettrack/gps-ingester/internal/vehicles"
)

const (
	DefaultMemThresholdPct = 90
	DefaultCPUThresholdPct = 80
	DefaultDBMinConns      = 5
	DefaultBatchSuccessPct = 95.0
	DefaultCacheMinHitPct  = 70.0

	DefaultStatsInterval = 30 * time.Second

	// cacheWarmupLookups is the traffic floor below which the cache hit-rate
	// carries no signal.
	cacheWarmupLookups = 1000
)

// Settings tunes the probe thresholds. Zero values select the defaults.
type Settings struct {
	ExpectedDevices int
	MemThresholdPct int
	CPUThresholdPct int
	DBMinConns      int
	BatchSuccessPct float64
	CacheMinHitPct  float64
}

func (s Settings) withDefaults() Settings {
	if s.MemThresholdPct <= 0 {
		s.MemThresholdPct = DefaultMemThresholdPct
	}
	if s.CPUThresholdPct <= 0 {
		s.CPUThresholdPct = DefaultCPUThresholdPct
	}
	if s.DBMinConns <= 0 {
		s.DBMinConns = DefaultDBMinConns
	}
	if s.BatchSuccessPct <= 0 {
		s.BatchSuccessPct = DefaultBatchSuccessPct
	}
	if s.CacheMinHitPct <= 0 {
		s.CacheMinHitPct = DefaultCacheMinHitPct
	}
	return s
}

// DBPool is the pgxpool surface the datastore probe reads.
type DBPool interface {
	Stat() *pgxpool.Stat
	Ping(ctx context.Context) error
}

// BrokerPool is the broker probe surface.
type BrokerPool interface {
	Stats() broker.PoolStats
	CanServe(n int) bool
	Serviceable() error
}

// BatchEngine is the persistence probe surface.
type BatchEngine interface {
	Stats() history.EngineStats
}

// LocationCache is the cache probe surface.
type LocationCache interface {
	Stats() lastloc.Stats
}

// Ingestor contributes pipeline counters to the snapshot.
type Ingestor interface {
	Stats() ingest.PipelineStats
}

// DedupFilter contributes dedup counters to the snapshot.
type DedupFilter interface {
	Stats() dedup.Stats
}

// VehicleDirectory contributes directory counters to the snapshot.
type VehicleDirectory interface {
	Stats() vehicles.Stats
}

// StatsHub receives the periodic snapshot and contributes its own counters.
type StatsHub interface {
	Stats() broadcast.HubStats
	HasSubscribers(topic string) bool
	Publish(topic string, payload any) (int, error)
}

// AlertSource contributes alert counters to the snapshot.
type AlertSource interface {
	Stats() broadcast.AlertStats
}

// Sources are the stage surfaces the monitor reads. Nil fields skip their
// probe and their snapshot section.
type Sources struct {
	DB       DBPool
	Pool     BrokerPool
	Engine   BatchEngine
	Cache    LocationCache
	Pipeline Ingestor
	Dedup    DedupFilter
	Vehicles VehicleDirectory
	Hub      StatsHub
	Alerts   AlertSource
}

// Probe is one component's verdict.
type Probe struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Report aggregates every probe; Healthy is their conjunction.
type Report struct {
	Healthy bool             `json:"healthy"`
	Probes  map[string]Probe `json:"probes"`
}

// Snapshot is the periodic stats frame for the stats topic.
type Snapshot struct {
	Type      string                `json:"type"`
	Timestamp string                `json:"timestamp"`
	Broker    *broker.PoolStats     `json:"broker,omitempty"`
	Pipeline  *ingest.PipelineStats `json:"pipeline,omitempty"`
	Dedup     *dedup.Stats          `json:"dedup,omitempty"`
	Vehicles  *vehicles.Stats       `json:"vehicles,omitempty"`
	Batch     *history.EngineStats  `json:"batch,omitempty"`
	Cache     *lastloc.Stats        `json:"cache,omitempty"`
	Push      *broadcast.HubStats   `json:"push,omitempty"`
	Alerts    *broadcast.AlertStats `json:"alerts,omitempty"`
}

// Monitor evaluates the probes and publishes snapshots.
type Monitor struct {
	set    Settings
	src    Sources
	logger *zap.Logger
}

func NewMonitor(src Sources, set Settings, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{set: set.withDefaults(), src: src, logger: logger.Named("health")}
}

// Check runs every wired probe. The report is healthy only when all of them
// are.
func (m *Monitor) Check(ctx context.Context) Report {
	rep := Report{Healthy: true, Probes: make(map[string]Probe)}
	add := func(name string, p Probe) {
		rep.Probes[name] = p
		if !p.Healthy {
			rep.Healthy = false
		}
	}

	if m.src.Pool != nil {
		add("broker", m.brokerProbe())
	}
	if m.src.DB != nil {
		add("datastore", m.dbProbe())
	}
	add("memory", m.memoryProbe())
	add("cpu", m.cpuProbe())
	if m.src.Engine != nil {
		add("batch", batchProbeFrom(m.src.Engine.Stats(), m.set.BatchSuccessPct))
	}
	if m.src.Cache != nil {
		add("cache", cacheProbeFrom(m.src.Cache.Stats(), m.set.CacheMinHitPct))
	}
	return rep
}

// Ready reports whether the service can take traffic: at least one broker
// session serviceable and the datastore answering a ping.
func (m *Monitor) Ready(ctx context.Context) error {
	if m.src.Pool != nil {
		if err := m.src.Pool.Serviceable(); err != nil {
			return err
		}
	}
	if m.src.DB != nil {
		if err := m.src.DB.Ping(ctx); err != nil {
			return fmt.Errorf("datastore: %w", err)
		}
	}
	return nil
}

// Snapshot collects every wired stage's counters.
func (m *Monitor) Snapshot() Snapshot {
	snap := Snapshot{Type: "STATS", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if m.src.Pool != nil {
		st := m.src.Pool.Stats()
		snap.Broker = &st
	}
	if m.src.Pipeline != nil {
		st := m.src.Pipeline.Stats()
		snap.Pipeline = &st
	}
	if m.src.Dedup != nil {
		st := m.src.Dedup.Stats()
		snap.Dedup = &st
	}
	if m.src.Vehicles != nil {
		st := m.src.Vehicles.Stats()
		snap.Vehicles = &st
	}
	if m.src.Engine != nil {
		st := m.src.Engine.Stats()
		snap.Batch = &st
	}
	if m.src.Cache != nil {
		st := m.src.Cache.Stats()
		snap.Cache = &st
	}
	if m.src.Hub != nil {
		st := m.src.Hub.Stats()
		snap.Push = &st
	}
	if m.src.Alerts != nil {
		st := m.src.Alerts.Stats()
		snap.Alerts = &st
	}
	return snap
}

// RunStatsPublisher pushes a snapshot onto the stats topic every interval
// while anyone is subscribed. It returns when ctx is canceled.
func (m *Monitor) RunStatsPublisher(ctx context.Context, interval time.Duration) {
	if m.src.Hub == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.src.Hub.HasSubscribers(broadcast.TopicStats) {
				continue
			}
			if _, err := m.src.Hub.Publish(broadcast.TopicStats, m.Snapshot()); err != nil {
				m.logger.Warn("stats publish failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) brokerProbe() Probe {
	st := m.src.Pool.Stats()
	healthy := st.Active >= 1
	if healthy && m.set.ExpectedDevices > 0 {
		healthy = m.src.Pool.CanServe(m.set.ExpectedDevices)
	}
	return Probe{
		Healthy: healthy,
		Detail: fmt.Sprintf("%d/%d sessions active, capacity %d for %d devices",
			st.Active, st.Total, st.Capacity, m.set.ExpectedDevices),
	}
}

func (m *Monitor) dbProbe() Probe {
	st := m.src.DB.Stat()
	return dbProbeFrom(int(st.AcquiredConns()), int(st.MaxConns()), m.set.DBMinConns)
}

// dbProbeFrom is split out for tests; a pgxpool.Stat cannot be constructed.
func dbProbeFrom(acquired, maxConns, minConns int) Probe {
	healthy := maxConns >= minConns && acquired < maxConns-1
	return Probe{
		Healthy: healthy,
		Detail:  fmt.Sprintf("%d/%d connections in use, min %d", acquired, maxConns, minConns),
	}
}

func (m *Monitor) memoryProbe() Probe {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return memoryProbeFrom(ms.HeapAlloc, memLimit(), m.set.MemThresholdPct)
}

func memoryProbeFrom(used, limit uint64, thresholdPct int) Probe {
	if limit == 0 {
		return Probe{Healthy: true, Detail: "no memory limit visible"}
	}
	pct := float64(used) / float64(limit) * 100
	return Probe{
		Healthy: pct <= float64(thresholdPct),
		Detail: fmt.Sprintf("heap %.0f MiB of %.0f MiB (%.1f%%)",
			float64(used)/(1<<20), float64(limit)/(1<<20), pct),
	}
}

// memLimit returns the effective memory ceiling: GOMEMLIMIT when set,
// otherwise total system memory from /proc.
func memLimit() uint64 {
	if lim := debug.SetMemoryLimit(-1); lim > 0 && lim != math.MaxInt64 {
		return uint64(lim)
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0
	}
	mi, err := fs.Meminfo()
	if err != nil || mi.MemTotal == nil {
		return 0
	}
	return *mi.MemTotal * 1024
}

func (m *Monitor) cpuProbe() Probe {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return Probe{Healthy: true, Detail: "proc not available"}
	}
	la, err := fs.LoadAvg()
	if err != nil {
		return Probe{Healthy: true, Detail: "loadavg not available"}
	}
	return cpuProbeFrom(la.Load1, runtime.NumCPU(), m.set.CPUThresholdPct)
}

func cpuProbeFrom(load1 float64, cores, thresholdPct int) Probe {
	pct := load1 / float64(cores) * 100
	return Probe{
		Healthy: pct <= float64(thresholdPct),
		Detail:  fmt.Sprintf("load1 %.2f over %d cores (%.0f%%)", load1, cores, pct),
	}
}

func batchProbeFrom(st history.EngineStats, successFloorPct float64) Probe {
	full := st.QueueMax > 0 && st.QueueLen >= st.QueueMax
	healthy := !full && st.SuccessRate >= successFloorPct
	return Probe{
		Healthy: healthy,
		Detail: fmt.Sprintf("queue %d/%d, success %.1f%%",
			st.QueueLen, st.QueueMax, st.SuccessRate),
	}
}

func cacheProbeFrom(st lastloc.Stats, minHitPct float64) Probe {
	lookups := st.Hits + st.Misses
	if lookups < cacheWarmupLookups {
		return Probe{Healthy: true, Detail: fmt.Sprintf("warming up, %d lookups", lookups)}
	}
	return Probe{
		Healthy: st.HitRate >= minHitPct,
		Detail:  fmt.Sprintf("hit rate %.1f%% over %d lookups", st.HitRate, lookups),
	}
}

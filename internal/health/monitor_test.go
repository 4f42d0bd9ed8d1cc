package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/broadcast"
	"github.com/fleettrack/gps-ingester/internal/broker"
	"github.com/fleettrack/gps-ingester/internal/dedup"
	"github.com/fleettrack/gps-ingester/internal/history"
	"github.com/fleettrack/gps-ingester/internal/ingest"
	"github.com/fleettrack/gps-ingester/internal/lastloc"
	"github.com/fleettrack/gps-ingester/internal/vehicles"
)

type stubPool struct {
	stats    broker.PoolStats
	canServe bool
	err      error
}

func (p *stubPool) Stats() broker.PoolStats { return p.stats }
func (p *stubPool) CanServe(n int) bool     { return p.canServe }
func (p *stubPool) Serviceable() error      { return p.err }

type stubEngine struct{ stats history.EngineStats }

func (e *stubEngine) Stats() history.EngineStats { return e.stats }

type stubCache struct{ stats lastloc.Stats }

func (c *stubCache) Stats() lastloc.Stats { return c.stats }

type stubPipeline struct{ stats ingest.PipelineStats }

func (p *stubPipeline) Stats() ingest.PipelineStats { return p.stats }

type stubDedup struct{ stats dedup.Stats }

func (d *stubDedup) Stats() dedup.Stats { return d.stats }

type stubDirectory struct{ stats vehicles.Stats }

func (d *stubDirectory) Stats() vehicles.Stats { return d.stats }

type stubAlerts struct{ stats broadcast.AlertStats }

func (a *stubAlerts) Stats() broadcast.AlertStats { return a.stats }

type stubHub struct {
	mu        sync.Mutex
	subbed    bool
	published []any
	notify    chan struct{}
}

func (h *stubHub) Stats() broadcast.HubStats        { return broadcast.HubStats{Sessions: 2} }
func (h *stubHub) HasSubscribers(topic string) bool { return h.subbed }

func (h *stubHub) Publish(topic string, payload any) (int, error) {
	h.mu.Lock()
	h.published = append(h.published, payload)
	h.mu.Unlock()
	if h.notify != nil {
		select {
		case h.notify <- struct{}{}:
		default:
		}
	}
	return 1, nil
}

func (h *stubHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.published)
}

func TestDBProbe(t *testing.T) {
	cases := []struct {
		acquired, max, min int
		healthy            bool
	}{
		{0, 10, 5, true},
		{8, 10, 5, true},
		{9, 10, 5, false},  // one connection from exhaustion
		{10, 10, 5, false}, // exhausted
		{0, 4, 5, false},   // pool smaller than the floor
	}
	for _, c := range cases {
		p := dbProbeFrom(c.acquired, c.max, c.min)
		if p.Healthy != c.healthy {
			t.Errorf("dbProbeFrom(%d, %d, %d) healthy = %v, want %v",
				c.acquired, c.max, c.min, p.Healthy, c.healthy)
		}
	}
}

func TestMemoryProbe(t *testing.T) {
	if p := memoryProbeFrom(90, 100, 90); !p.Healthy {
		t.Errorf("at threshold should be healthy: %+v", p)
	}
	if p := memoryProbeFrom(91, 100, 90); p.Healthy {
		t.Errorf("over threshold should be unhealthy: %+v", p)
	}
	if p := memoryProbeFrom(1 << 30, 0, 90); !p.Healthy {
		t.Errorf("no visible limit should stay healthy: %+v", p)
	}
}

func TestCPUProbe(t *testing.T) {
	if p := cpuProbeFrom(1.0, 4, 80); !p.Healthy {
		t.Errorf("25%% load should be healthy: %+v", p)
	}
	if p := cpuProbeFrom(3.3, 4, 80); p.Healthy {
		t.Errorf("82.5%% load should be unhealthy: %+v", p)
	}
}

func TestBatchProbe(t *testing.T) {
	ok := history.EngineStats{QueueLen: 10, QueueMax: 100, SuccessRate: 100}
	if p := batchProbeFrom(ok, 95); !p.Healthy {
		t.Errorf("healthy engine flagged: %+v", p)
	}

	full := history.EngineStats{QueueLen: 100, QueueMax: 100, SuccessRate: 100}
	if p := batchProbeFrom(full, 95); p.Healthy {
		t.Errorf("full queue not flagged: %+v", p)
	}

	failing := history.EngineStats{QueueLen: 0, QueueMax: 100, SuccessRate: 90}
	if p := batchProbeFrom(failing, 95); p.Healthy {
		t.Errorf("low success rate not flagged: %+v", p)
	}
}

func TestCacheProbe(t *testing.T) {
	warming := lastloc.Stats{Hits: 5, Misses: 5, HitRate: 50}
	if p := cacheProbeFrom(warming, 70); !p.Healthy {
		t.Errorf("warmup traffic flagged: %+v", p)
	}

	cold := lastloc.Stats{Hits: 600, Misses: 600, HitRate: 50}
	if p := cacheProbeFrom(cold, 70); p.Healthy {
		t.Errorf("poor hit rate not flagged: %+v", p)
	}

	warm := lastloc.Stats{Hits: 900, Misses: 100, HitRate: 90}
	if p := cacheProbeFrom(warm, 70); !p.Healthy {
		t.Errorf("good hit rate flagged: %+v", p)
	}
}

func TestCheckAggregates(t *testing.T) {
	m := NewMonitor(Sources{
		Pool:   &stubPool{stats: broker.PoolStats{Total: 3, Active: 3, Capacity: 45}, canServe: true},
		Engine: &stubEngine{stats: history.EngineStats{QueueLen: 500, QueueMax: 500, SuccessRate: 100}},
		Cache:  &stubCache{stats: lastloc.Stats{Hits: 10, Misses: 0, HitRate: 100}},
	}, Settings{ExpectedDevices: 40}, zap.NewNop())

	rep := m.Check(context.Background())
	if rep.Healthy {
		t.Fatalf("full batch queue should fail the aggregate: %+v", rep)
	}
	for _, name := range []string{"broker", "memory", "cpu", "batch", "cache"} {
		if _, ok := rep.Probes[name]; !ok {
			t.Errorf("probe %s missing", name)
		}
	}
	if _, ok := rep.Probes["datastore"]; ok {
		t.Errorf("datastore probe present without a pool")
	}
	if !rep.Probes["broker"].Healthy {
		t.Errorf("broker probe = %+v", rep.Probes["broker"])
	}
	if rep.Probes["batch"].Healthy {
		t.Errorf("batch probe = %+v", rep.Probes["batch"])
	}
}

func TestBrokerProbeNeedsCapacity(t *testing.T) {
	m := NewMonitor(Sources{
		Pool: &stubPool{stats: broker.PoolStats{Total: 3, Active: 2}, canServe: false},
	}, Settings{ExpectedDevices: 100}, zap.NewNop())

	rep := m.Check(context.Background())
	if rep.Probes["broker"].Healthy {
		t.Fatalf("undersized pool should fail the broker probe")
	}

	// No active sessions fails regardless of the expected count.
	m = NewMonitor(Sources{
		Pool: &stubPool{stats: broker.PoolStats{Total: 2, Active: 0}, canServe: true},
	}, Settings{}, zap.NewNop())
	if rep := m.Check(context.Background()); rep.Probes["broker"].Healthy {
		t.Fatalf("dead pool should fail the broker probe")
	}
}

func TestReady(t *testing.T) {
	m := NewMonitor(Sources{Pool: &stubPool{}}, Settings{}, zap.NewNop())
	if err := m.Ready(context.Background()); err != nil {
		t.Fatalf("serviceable pool not ready: %v", err)
	}

	m = NewMonitor(Sources{Pool: &stubPool{err: broker.ErrPoolExhausted}}, Settings{}, zap.NewNop())
	if err := m.Ready(context.Background()); err == nil {
		t.Fatalf("exhausted pool reported ready")
	}
}

func TestSnapshotCollectsWiredSources(t *testing.T) {
	m := NewMonitor(Sources{
		Pool:     &stubPool{stats: broker.PoolStats{Active: 4}},
		Engine:   &stubEngine{stats: history.EngineStats{Saved: 1234}},
		Cache:    &stubCache{stats: lastloc.Stats{Size: 99}},
		Pipeline: &stubPipeline{stats: ingest.PipelineStats{Submitted: 55}},
		Dedup:    &stubDedup{stats: dedup.Stats{Accepted: 7}},
		Vehicles: &stubDirectory{stats: vehicles.Stats{Devices: 12}},
		Hub:      &stubHub{},
		Alerts:   &stubAlerts{stats: broadcast.AlertStats{Raised: 3}},
	}, Settings{}, zap.NewNop())

	snap := m.Snapshot()
	if snap.Type != "STATS" {
		t.Errorf("type = %q", snap.Type)
	}
	if _, err := time.Parse(time.RFC3339, snap.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", snap.Timestamp, err)
	}
	if snap.Broker == nil || snap.Broker.Active != 4 {
		t.Errorf("broker = %+v", snap.Broker)
	}
	if snap.Batch == nil || snap.Batch.Saved != 1234 {
		t.Errorf("batch = %+v", snap.Batch)
	}
	if snap.Cache == nil || snap.Cache.Size != 99 {
		t.Errorf("cache = %+v", snap.Cache)
	}
	if snap.Pipeline == nil || snap.Pipeline.Submitted != 55 {
		t.Errorf("pipeline = %+v", snap.Pipeline)
	}
	if snap.Dedup == nil || snap.Vehicles == nil || snap.Push == nil || snap.Alerts == nil {
		t.Errorf("snapshot missing sections: %+v", snap)
	}
}

func TestSnapshotSkipsUnwiredSources(t *testing.T) {
	m := NewMonitor(Sources{Pool: &stubPool{}}, Settings{}, zap.NewNop())
	snap := m.Snapshot()
	if snap.Broker == nil {
		t.Errorf("wired pool missing")
	}
	if snap.Batch != nil || snap.Cache != nil || snap.Push != nil {
		t.Errorf("unwired sections present: %+v", snap)
	}
}

func TestRunStatsPublisher(t *testing.T) {
	hub := &stubHub{subbed: true, notify: make(chan struct{}, 1)}
	m := NewMonitor(Sources{Hub: hub}, Settings{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunStatsPublisher(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-hub.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot published")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher did not stop")
	}

	if _, ok := hub.published[0].(Snapshot); !ok {
		t.Errorf("published %T, want Snapshot", hub.published[0])
	}
}

func TestRunStatsPublisherIdleWithoutSubscribers(t *testing.T) {
	hub := &stubHub{subbed: false}
	m := NewMonitor(Sources{Hub: hub}, Settings{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunStatsPublisher(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if n := hub.count(); n != 0 {
		t.Errorf("published %d snapshots with no subscribers", n)
	}
}

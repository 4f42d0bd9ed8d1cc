// Package ingest is the parse/enrich/gate stage between the broker pool and
// the persistence queue and broadcast fan-out. Records are sharded onto a
// fixed worker set by device key so per-device order survives into the queue.
package ingest

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/broker"
	"github.com/fleettrack/gps-ingester/internal/history"
	"github.com/fleettrack/gps-ingester/internal/metrics"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
	"github.com/fleettrack/gps-ingester/internal/vehicles"
)

const (
	maxWorkers = 32

	DefaultMaxPayloadBytes = 1 << 20
	DefaultShedFloor       = time.Second
	DefaultPerDeviceQueue  = 16

	minInboxDepth = 64

	// shedOccupancy is the queue fill ratio at which high-rate devices start
	// losing samples.
	shedOccupancy = 0.9
)

// Submitter is the persistence queue.
type Submitter interface {
	Submit(ctx context.Context, s *telemetry.Sample, done func()) error
	Occupancy() float64
}

// Gate is the duplicate/stale filter.
type Gate interface {
	Accept(deviceID string, ts time.Time, seq *int64) bool
}

// Enricher resolves device ids to vehicle records.
type Enricher interface {
	Lookup(deviceID string) (*vehicles.Vehicle, error)
}

// Observer maintains the last-location view.
type Observer interface {
	Observe(ctx context.Context, s *telemetry.Sample) bool
}

// Publisher fans accepted samples out to push subscribers.
type Publisher interface {
	BroadcastSample(s *telemetry.Sample) int
}

// Evaluator applies the alert rules to accepted samples.
type Evaluator interface {
	Evaluate(s *telemetry.Sample)
}

// Settings tunes the pipeline. Zero values select the defaults.
type Settings struct {
	Workers         int // 0 = min(2*GOMAXPROCS, 32)
	PerDeviceQueue  int
	ExpectedDevices int
	MaxPayloadBytes int
	ShedFloor       time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Workers <= 0 {
		s.Workers = defaultWorkers()
	}
	if s.Workers > maxWorkers {
		s.Workers = maxWorkers
	}
	if s.PerDeviceQueue <= 0 {
		s.PerDeviceQueue = DefaultPerDeviceQueue
	}
	if s.MaxPayloadBytes <= 0 {
		s.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if s.ShedFloor <= 0 {
		s.ShedFloor = DefaultShedFloor
	}
	return s
}

func defaultWorkers() int {
	w := 2 * runtime.GOMAXPROCS(0)
	if w > maxWorkers {
		w = maxWorkers
	}
	if w < 1 {
		w = 1
	}
	return w
}

type job struct {
	off Offsets
	rec *kgo.Record
}

// Pipeline owns the worker pool. One Run call per Pipeline.
type Pipeline struct {
	set    Settings
	gate   Gate
	dir    Enricher
	engine Submitter
	cache  Observer
	router Publisher
	alerts Evaluator
	logger *zap.Logger

	ladder  *offsetLadder
	inboxes []chan job
	wg      sync.WaitGroup

	parsed       atomic.Int64
	parseErrors  atomic.Int64
	enrichMisses atomic.Int64
	deduped      atomic.Int64
	shed         atomic.Int64
	dropped      atomic.Int64
	submitted    atomic.Int64
}

// PipelineStats is a point-in-time snapshot of pipeline counters.
type PipelineStats struct {
	Workers      int   `json:"workers"`
	InFlight     int   `json:"in_flight"`
	Parsed       int64 `json:"parsed"`
	ParseErrors  int64 `json:"parse_errors"`
	EnrichMisses int64 `json:"enrich_misses"`
	Deduped      int64 `json:"deduped"`
	Shed         int64 `json:"shed"`
	Dropped      int64 `json:"dropped"`
	Submitted    int64 `json:"submitted"`
}

func NewPipeline(gate Gate, dir Enricher, engine Submitter, cache Observer, router Publisher, alerts Evaluator, set Settings, logger *zap.Logger) *Pipeline {
	set = set.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	depth := minInboxDepth
	if set.ExpectedDevices > 0 {
		perWorker := (set.ExpectedDevices + set.Workers - 1) / set.Workers
		if d := perWorker * set.PerDeviceQueue; d > depth {
			depth = d
		}
	}

	p := &Pipeline{
		set:     set,
		gate:    gate,
		dir:     dir,
		engine:  engine,
		cache:   cache,
		router:  router,
		alerts:  alerts,
		logger:  logger.Named("ingest"),
		ladder:  newOffsetLadder(),
		inboxes: make([]chan job, set.Workers),
	}
	for i := range p.inboxes {
		p.inboxes[i] = make(chan job, depth)
	}
	return p
}

// Run dispatches deliveries onto the workers until ctx is canceled or the
// deliveries channel closes, then drains the inboxes and returns. Records
// left unhandled at cancellation keep their offsets uncommitted and redeliver
// on the next start.
func (p *Pipeline) Run(ctx context.Context, deliveries <-chan broker.Delivery) {
	for i := 0; i < p.set.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("pipeline started", zap.Int("workers", p.set.Workers))

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case d, ok := <-deliveries:
			if !ok {
				p.drain()
				return
			}
			p.dispatch(ctx, d.Session, d.Records)
		}
	}
}

// InjectResult reports how an injected batch was disposed of.
type InjectResult struct {
	Submitted int `json:"submitted"`
	Deduped   int `json:"deduped"`
	Shed      int `json:"shed"`
	Dropped   int `json:"dropped"`
}

// Inject runs samples that arrived outside the broker, such as admin upserts
// and backfills, through the same enrich, dedup, shed and fan-out path as
// consumed records. Injected samples bypass the worker shards, so their order
// against concurrent broker traffic for the same device is not coordinated;
// the stale-timestamp gate and the idempotent upsert absorb the races.
func (p *Pipeline) Inject(ctx context.Context, samples []*telemetry.Sample) (InjectResult, error) {
	w := &worker{p: p, lastKept: make(map[string]time.Time)}
	var res InjectResult
	for _, s := range samples {
		outcome, err := w.processSample(ctx, s, func() {})
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeSubmitted:
			res.Submitted++
		case outcomeDeduped:
			res.Deduped++
		case outcomeShed:
			res.Shed++
		case outcomeDropped:
			res.Dropped++
		}
	}
	return res, nil
}

// dispatch shards records onto worker inboxes. When ctx is canceled mid-batch
// the remaining records stay tracked but never complete, which pins the commit
// frontier below them; they redeliver on the next start.
func (p *Pipeline) dispatch(ctx context.Context, off Offsets, recs []*kgo.Record) {
	for _, rec := range recs {
		w := p.route(rec)
		p.ladder.track(off, rec)
		select {
		case p.inboxes[w] <- job{off: off, rec: rec}:
		case <-ctx.Done():
			return
		}
	}
}

// route keeps one device on one worker. Device publishes carry the device id
// as the record key; a keyless record rides its partition, which the broker
// already orders per device.
func (p *Pipeline) route(rec *kgo.Record) int {
	w := uint64(len(p.inboxes))
	if len(rec.Key) > 0 {
		return int(xxhash.Sum64(rec.Key) % w)
	}
	return int((xxhash.Sum64String(rec.Topic) + uint64(rec.Partition)) % w)
}

func (p *Pipeline) drain() {
	for _, inbox := range p.inboxes {
		close(inbox)
	}
	p.wg.Wait()
	p.logger.Info("pipeline drained", zap.Int("in_flight", p.ladder.inFlight()))
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	w := &worker{p: p, lastKept: make(map[string]time.Time)}
	for j := range p.inboxes[id] {
		w.processRecord(ctx, j.off, j.rec)
	}
}

// worker holds per-shard state. Device sharding means no other goroutine ever
// touches lastKept.
type worker struct {
	p        *Pipeline
	lastKept map[string]time.Time
}

func (w *worker) processRecord(ctx context.Context, off Offsets, rec *kgo.Record) {
	p := w.p

	if len(rec.Value) > p.set.MaxPayloadBytes {
		metrics.ParseErrorsTotal.WithLabelValues("oversized").Inc()
		p.parseErrors.Add(1)
		p.logger.Warn("payload exceeds size cap",
			zap.String("topic", rec.Topic),
			zap.Int("bytes", len(rec.Value)),
			zap.Int("cap", p.set.MaxPayloadBytes))
		p.finish(off, rec)
		return
	}

	samples, err := telemetry.Parse(rec.Value)
	if err != nil {
		reason := "malformed"
		if telemetry.IsValidation(err) {
			reason = "validation"
		}
		metrics.ParseErrorsTotal.WithLabelValues(reason).Inc()
		p.parseErrors.Add(1)
		p.logger.Warn("payload parse failed",
			zap.String("topic", rec.Topic),
			zap.Int("salvaged", len(samples)),
			zap.Error(err))
	}
	if len(samples) == 0 {
		// Nothing salvageable; the record is handled and never retried.
		p.finish(off, rec)
		return
	}
	p.parsed.Add(int64(len(samples)))
	metrics.SamplesParsedTotal.Add(float64(len(samples)))

	remaining := newCountdown(len(samples), func() { p.finish(off, rec) })
	for _, s := range samples {
		w.processSample(ctx, s, remaining.done)
	}
}

// sampleOutcome says how a sample was disposed of.
type sampleOutcome int

const (
	outcomeSubmitted sampleOutcome = iota
	outcomeDeduped
	outcomeShed
	outcomeDropped
)

func (w *worker) processSample(ctx context.Context, s *telemetry.Sample, done func()) (sampleOutcome, error) {
	p := w.p
	p.enrich(s)

	if !p.gate.Accept(s.DeviceID, s.RecordedAt, s.Sequence) {
		p.deduped.Add(1)
		done()
		return outcomeDeduped, nil
	}

	if w.shouldShed(s) {
		p.shed.Add(1)
		metrics.SamplesShedTotal.Inc()
		done()
		return outcomeShed, nil
	}

	if err := p.engine.Submit(ctx, s, done); err != nil {
		if errors.Is(err, history.ErrQueueFull) {
			// The engine already released done; the drop is deliberate and
			// the offset advances.
			p.dropped.Add(1)
			return outcomeDropped, nil
		}
		// Shutdown: the sample never entered the queue and done never ran,
		// so its offset stays uncommitted for redelivery.
		return outcomeDropped, err
	}
	p.submitted.Add(1)
	w.lastKept[s.DeviceID] = s.RecordedAt

	// Persistence and fan-out are independent submissions; a full queue above
	// already returned, everything after this line is best-effort push.
	p.cache.Observe(ctx, s)
	p.router.BroadcastSample(s)
	p.alerts.Evaluate(s)
	return outcomeSubmitted, nil
}

// shouldShed drops samples from devices publishing faster than the floor
// interval while the persistence queue is under pressure. The interval is
// measured on the device wall clock against the last kept sample, so a shed
// device degrades to roughly one sample per floor interval instead of
// starving out entirely.
func (w *worker) shouldShed(s *telemetry.Sample) bool {
	if w.p.engine.Occupancy() < shedOccupancy {
		return false
	}
	last, ok := w.lastKept[s.DeviceID]
	if !ok {
		return false
	}
	return s.RecordedAt.Sub(last) < w.p.set.ShedFloor
}

func (p *Pipeline) enrich(s *telemetry.Sample) {
	v, err := p.dir.Lookup(s.DeviceID)
	if err != nil {
		// Unregistered devices still persist and broadcast; they just carry
		// no owner refs, so only the generic and device topics see them.
		p.enrichMisses.Add(1)
		return
	}
	s.Owners = v.Owners
}

func (p *Pipeline) finish(off Offsets, rec *kgo.Record) {
	if ready := p.ladder.complete(off, rec); len(ready) > 0 {
		off.MarkFlushed(ready)
	}
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Workers:      p.set.Workers,
		InFlight:     p.ladder.inFlight(),
		Parsed:       p.parsed.Load(),
		ParseErrors:  p.parseErrors.Load(),
		EnrichMisses: p.enrichMisses.Load(),
		Deduped:      p.deduped.Load(),
		Shed:         p.shed.Load(),
		Dropped:      p.dropped.Load(),
		Submitted:    p.submitted.Load(),
	}
}

// countdown fires once after n completions.
type countdown struct {
	n    atomic.Int32
	fire func()
}

func newCountdown(n int, fire func()) *countdown {
	c := &countdown{fire: fire}
	c.n.Store(int32(n))
	return c
}

func (c *countdown) done() {
	if c.n.Add(-1) == 0 {
		c.fire()
	}
}

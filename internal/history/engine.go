package history

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/metrics"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

const (
	DefaultBatchSize = 500
	DefaultInterval  = time.Second
	DefaultMaxQueue  = 5000

	submitBlockTimeout = 250 * time.Millisecond
	finalFlushTimeout  = 10 * time.Second
)

// DefaultBackoffs spaces the retry attempts of a failing batch.
var DefaultBackoffs = []time.Duration{250 * time.Millisecond, time.Second, 4 * time.Second}

// ErrQueueFull is returned by Submit when the queue stayed full past the
// block timeout and the device had no older queued sample to displace.
var ErrQueueFull = errors.New("history: queue full, sample dropped")

// errFlushInterrupted marks a batch whose retries were cut short by
// shutdown; the batch is carried into the final flush instead of being
// dead-lettered.
var errFlushInterrupted = errors.New("history: flush interrupted by shutdown")

// AlertBatchFailed is raised when a batch exhausts its retries.
const AlertBatchFailed = "BATCH_FAILED"

// Flusher persists one batch. Implementations return the number of rows
// written and classify failures as *PersistenceError.
type Flusher interface {
	Flush(ctx context.Context, samples []*telemetry.Sample) (int64, error)
}

// CriticalAlerter raises operator-facing alerts. The broadcast fabric
// satisfies it; the engine needs only this one method.
type CriticalAlerter interface {
	Critical(kind, deviceID, message string)
}

// Settings tune the engine. Zero values fall back to defaults.
type Settings struct {
	BatchSize int
	Interval  time.Duration
	MaxQueue  int
	Retries   int
	Backoffs  []time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.MaxQueue <= 0 {
		s.MaxQueue = DefaultMaxQueue
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
	if len(s.Backoffs) == 0 {
		s.Backoffs = DefaultBackoffs
	}
	return s
}

// Engine buffers accepted samples and flushes them in batches, by size or by
// interval, whichever comes first. Batches that exhaust their retries are
// dead-lettered and the pipeline advances; offsets for samples that never
// reach the store are withheld so the broker redelivers them.
type Engine struct {
	flusher Flusher
	dead    *DeadLetter
	alerts  CriticalAlerter
	set     Settings
	q       *queue
	logger  *zap.Logger

	// carry holds drained entries whose flush was interrupted by shutdown.
	// Only the run goroutine touches it.
	carry []pending

	saved       atomic.Int64
	failed      atomic.Int64
	dropped     atomic.Int64
	retries     atomic.Int64
	deadLetters atomic.Int64
}

// EngineStats is the atomic snapshot served on the stats topic and used by
// the batch health probe.
type EngineStats struct {
	QueueLen    int     `json:"queue_len"`
	QueueMax    int     `json:"queue_max"`
	Occupancy   float64 `json:"occupancy"`
	Saved       int64   `json:"saved"`
	Failed      int64   `json:"failed"`
	Dropped     int64   `json:"dropped"`
	Retries     int64   `json:"retries"`
	DeadLetters int64   `json:"dead_letter_batches"`
	SuccessRate float64 `json:"success_rate_pct"`
}

func NewEngine(flusher Flusher, dead *DeadLetter, alerts CriticalAlerter, set Settings, logger *zap.Logger) *Engine {
	set = set.withDefaults()
	return &Engine{
		flusher: flusher,
		dead:    dead,
		alerts:  alerts,
		set:     set,
		q:       newQueue(set.MaxQueue),
		logger:  logger,
	}
}

// Submit queues one sample. When the queue is full it blocks up to 250 ms
// for space, then displaces the oldest queued sample of the same device. If
// the device has nothing queued the incoming sample itself is dropped and
// ErrQueueFull returned. done, if non-nil, runs exactly once when the
// sample's fate is decided: flushed, displaced, dropped or dead-lettered.
// When Submit returns a context error the sample never entered the queue
// and done does not run, leaving its offset uncommitted for redelivery.
func (e *Engine) Submit(ctx context.Context, s *telemetry.Sample, done func()) error {
	p := pending{sample: s, done: done}
	if e.q.tryEnqueue(p) {
		metrics.BatchQueueSize.Set(float64(e.q.len()))
		return nil
	}

	timer := time.NewTimer(submitBlockTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.q.space:
			if e.q.tryEnqueue(p) {
				metrics.BatchQueueSize.Set(float64(e.q.len()))
				return nil
			}
		case <-timer.C:
			old, ok := e.q.dropOldest(s.DeviceID)
			if !ok {
				e.dropped.Add(1)
				metrics.SamplesShedTotal.Inc()
				e.release(p)
				return ErrQueueFull
			}
			e.dropped.Add(1)
			metrics.SamplesShedTotal.Inc()
			e.release(old)
			if e.q.tryEnqueue(p) {
				metrics.BatchQueueSize.Set(float64(e.q.len()))
				return nil
			}
			// The freed slot went to a racing producer; wait another round.
			timer.Reset(submitBlockTimeout)
		}
	}
}

// Run drives the flush loop until ctx is canceled, then force-flushes what
// remains on a fresh deadline.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.set.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.finalFlush()
			return
		case <-e.q.wake:
			for e.q.len() >= e.set.BatchSize && ctx.Err() == nil {
				e.flushOnce(ctx)
			}
		case <-ticker.C:
			if e.q.len() > 0 {
				e.flushOnce(ctx)
			}
		}
	}
}

// Occupancy reports queue fill in [0,1]. The ingest pipeline sheds
// low-priority samples when it reaches 0.9.
func (e *Engine) Occupancy() float64 { return e.q.occupancy() }

func (e *Engine) QueueLen() int { return e.q.len() }

func (e *Engine) Stats() EngineStats {
	saved, failed := e.saved.Load(), e.failed.Load()
	rate := 100.0
	if saved+failed > 0 {
		rate = float64(saved) / float64(saved+failed) * 100
	}
	return EngineStats{
		QueueLen:    e.q.len(),
		QueueMax:    e.set.MaxQueue,
		Occupancy:   e.q.occupancy(),
		Saved:       saved,
		Failed:      failed,
		Dropped:     e.dropped.Load(),
		Retries:     e.retries.Load(),
		DeadLetters: e.deadLetters.Load(),
		SuccessRate: rate,
	}
}

func (e *Engine) flushOnce(ctx context.Context) {
	batch := e.q.drain(e.set.BatchSize)
	metrics.BatchQueueSize.Set(float64(e.q.len()))
	if len(batch) == 0 {
		return
	}
	e.flushPending(ctx, batch)
}

// flushPending attempts the batch, dead-letters it when retries are
// exhausted, or carries it to the final flush when shutdown interrupts.
func (e *Engine) flushPending(ctx context.Context, batch []pending) {
	samples := make([]*telemetry.Sample, len(batch))
	for i, p := range batch {
		samples[i] = p.sample
	}

	err := e.flushWithRetry(ctx, samples)
	if errors.Is(err, errFlushInterrupted) {
		e.carry = append(e.carry, batch...)
		return
	}
	if err != nil {
		e.deadLetter(samples, err)
	} else {
		e.saved.Add(int64(len(samples)))
		metrics.SamplesSavedTotal.Add(float64(len(samples)))
	}
	for _, p := range batch {
		e.release(p)
	}
}

func (e *Engine) flushWithRetry(ctx context.Context, samples []*telemetry.Sample) error {
	var lastErr error
	for attempt := 0; attempt <= e.set.Retries; attempt++ {
		if attempt > 0 {
			e.retries.Add(1)
			metrics.BatchRetriesTotal.Inc()
			if !sleepCtx(ctx, e.backoffFor(attempt-1)) {
				return errFlushInterrupted
			}
		}

		_, err := e.flusher.Flush(ctx, samples)
		if err == nil {
			return nil
		}
		lastErr = err

		var perr *PersistenceError
		if errors.As(err, &perr) && !perr.Retryable() {
			e.logger.Error("batch flush failed permanently",
				zap.Int("batch_size", len(samples)),
				zap.String("kind", perr.Kind.String()),
				zap.Error(err),
			)
			return lastErr
		}
		if ctx.Err() != nil {
			return errFlushInterrupted
		}
		e.logger.Warn("batch flush failed",
			zap.Int("attempt", attempt+1),
			zap.Int("batch_size", len(samples)),
			zap.Error(err),
		)
	}
	return lastErr
}

func (e *Engine) deadLetter(samples []*telemetry.Sample, cause error) {
	e.failed.Add(int64(len(samples)))
	e.deadLetters.Add(1)
	metrics.SamplesFailedTotal.Add(float64(len(samples)))
	metrics.DeadLetterBatchesTotal.Inc()

	if e.dead == nil {
		e.logger.Error("no dead-letter log configured, batch lost",
			zap.Int("batch_size", len(samples)),
			zap.Error(cause),
		)
	} else if path, err := e.dead.Write(samples, cause); err != nil {
		e.logger.Error("dead-letter write failed, batch lost",
			zap.Int("batch_size", len(samples)),
			zap.NamedError("write_error", err),
			zap.NamedError("cause", cause),
		)
	} else {
		e.logger.Error("batch dead-lettered",
			zap.Int("batch_size", len(samples)),
			zap.String("path", path),
			zap.Error(cause),
		)
	}

	if e.alerts != nil {
		e.alerts.Critical(AlertBatchFailed, "",
			fmt.Sprintf("batch of %d samples failed after retries: %v", len(samples), cause))
	}
}

// finalFlush drains the carry and the queue on a fresh deadline after the
// run context is gone. Samples that still cannot be flushed keep their
// offsets uncommitted so the broker redelivers them on the next start.
func (e *Engine) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()

	if len(e.carry) > 0 {
		carry := e.carry
		e.carry = nil
		e.flushPending(ctx, carry)
	}
	for e.q.len() > 0 && ctx.Err() == nil {
		e.flushOnce(ctx)
	}

	if left := e.q.len() + len(e.carry); left > 0 {
		e.logger.Warn("shutdown flush incomplete, uncommitted samples will be redelivered",
			zap.Int("abandoned", left),
		)
	}
}

func (e *Engine) release(p pending) {
	if p.done != nil {
		p.done()
	}
}

func (e *Engine) backoffFor(i int) time.Duration {
	if i < len(e.set.Backoffs) {
		return e.set.Backoffs[i]
	}
	return e.set.Backoffs[len(e.set.Backoffs)-1]
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

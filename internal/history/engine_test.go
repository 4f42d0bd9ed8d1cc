package history

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

type stubFlusher struct {
	mu      sync.Mutex
	batches [][]*telemetry.Sample
	errs    []error // popped per call; nil entry or empty slice = success
}

func (f *stubFlusher) Flush(_ context.Context, samples []*telemetry.Sample) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*telemetry.Sample, len(samples))
	copy(cp, samples)
	f.batches = append(f.batches, cp)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return int64(len(samples)), nil
}

func (f *stubFlusher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *stubFlusher) batch(i int) []*telemetry.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

type stubAlerts struct {
	mu    sync.Mutex
	kinds []string
}

func (a *stubAlerts) Critical(kind, _, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

func (a *stubAlerts) raised() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.kinds...)
}

func engineSample(device, ts string) *telemetry.Sample {
	at, err := time.Parse(telemetry.TimeLayout, ts)
	if err != nil {
		panic(err)
	}
	return &telemetry.Sample{DeviceID: device, RecordedAt: at}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startEngine(t *testing.T, f Flusher, dead *DeadLetter, alerts CriticalAlerter, set Settings) (*Engine, context.CancelFunc, chan struct{}) {
	t.Helper()
	e := NewEngine(f, dead, alerts, set, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return e, cancel, stopped
}

func TestEngine_FlushAtBatchSize(t *testing.T) {
	f := &stubFlusher{}
	e, _, _ := startEngine(t, f, nil, nil, Settings{
		BatchSize: 3, Interval: time.Hour, MaxQueue: 10,
		Retries: 0, Backoffs: []time.Duration{time.Millisecond},
	})

	var doneCalls atomic.Int32
	done := func() { doneCalls.Add(1) }
	for i, ts := range []string{"2025-07-15 10:00:00", "2025-07-15 10:00:01", "2025-07-15 10:00:02"} {
		if err := e.Submit(context.Background(), engineSample("D1", ts), done); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, "batch flush", func() { return f.calls() == 1 })
	if got := len(f.batch(0)); got != 3 {
		t.Errorf("expected batch of 3, got %d", got)
	}
	waitFor(t, time.Second, "done callbacks", func() { return doneCalls.Load() == 3 })

	st := e.Stats()
	if st.Saved != 3 {
		t.Errorf("expected 3 saved, got %d", st.Saved)
	}
	if st.SuccessRate != 100 {
		t.Errorf("expected 100%% success rate, got %f", st.SuccessRate)
	}
}

func TestEngine_FlushAtInterval(t *testing.T) {
	f := &stubFlusher{}
	e, _, _ := startEngine(t, f, nil, nil, Settings{
		BatchSize: 100, Interval: 20 * time.Millisecond, MaxQueue: 10,
	})

	e.Submit(context.Background(), engineSample("D1", "2025-07-15 10:00:00"), nil)
	e.Submit(context.Background(), engineSample("D2", "2025-07-15 10:00:00"), nil)

	waitFor(t, 2*time.Second, "interval flush", func() { return f.calls() >= 1 })
	if got := len(f.batch(0)); got != 2 {
		t.Errorf("expected batch of 2, got %d", got)
	}
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	f := &stubFlusher{errs: []error{
		&PersistenceError{Kind: KindUnavailable, Op: "flush", Err: errors.New("store down")},
	}}
	e, _, _ := startEngine(t, f, nil, nil, Settings{
		BatchSize: 2, Interval: time.Hour, MaxQueue: 10,
		Retries: 3, Backoffs: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	})

	e.Submit(context.Background(), engineSample("D1", "2025-07-15 10:00:00"), nil)
	e.Submit(context.Background(), engineSample("D1", "2025-07-15 10:00:01"), nil)

	waitFor(t, 2*time.Second, "retried flush", func() { return f.calls() == 2 })

	st := e.Stats()
	if st.Saved != 2 {
		t.Errorf("expected 2 saved, got %d", st.Saved)
	}
	if st.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", st.Retries)
	}
	if st.DeadLetters != 0 {
		t.Errorf("expected no dead letters, got %d", st.DeadLetters)
	}
}

func TestEngine_ConstraintViolationNotRetried(t *testing.T) {
	f := &stubFlusher{errs: []error{
		&PersistenceError{Kind: KindConstraintViolation, Op: "upsert", Err: errors.New("fk violated")},
	}}
	alerts := &stubAlerts{}
	e, _, _ := startEngine(t, f, nil, alerts, Settings{
		BatchSize: 1, Interval: time.Hour, MaxQueue: 10,
		Retries: 3, Backoffs: []time.Duration{time.Millisecond},
	})

	var doneCalls atomic.Int32
	e.Submit(context.Background(), engineSample("D1", "2025-07-15 10:00:00"), func() { doneCalls.Add(1) })

	waitFor(t, 2*time.Second, "dead-letter alert", func() { return len(alerts.raised()) == 1 })
	if f.calls() != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", f.calls())
	}
	if alerts.raised()[0] != AlertBatchFailed {
		t.Errorf("expected %s alert, got %s", AlertBatchFailed, alerts.raised()[0])
	}
	waitFor(t, time.Second, "done callback", func() { return doneCalls.Load() == 1 })

	st := e.Stats()
	if st.Failed != 1 || st.Retries != 0 {
		t.Errorf("expected failed=1 retries=0, got failed=%d retries=%d", st.Failed, st.Retries)
	}
}

func TestEngine_ExhaustedRetriesDeadLetter(t *testing.T) {
	dir := t.TempDir()
	flushErr := &PersistenceError{Kind: KindUnavailable, Op: "flush", Err: errors.New("store down")}
	f := &stubFlusher{errs: []error{flushErr, flushErr, flushErr}}
	alerts := &stubAlerts{}
	dead := NewDeadLetter(dir, zap.NewNop())
	e, _, _ := startEngine(t, f, dead, alerts, Settings{
		BatchSize: 2, Interval: time.Hour, MaxQueue: 10,
		Retries: 2, Backoffs: []time.Duration{time.Millisecond, time.Millisecond},
	})

	var doneCalls atomic.Int32
	done := func() { doneCalls.Add(1) }
	e.Submit(context.Background(), engineSample("D1", "2025-07-15 10:00:00"), done)
	e.Submit(context.Background(), engineSample("D1", "2025-07-15 10:00:01"), done)

	waitFor(t, 2*time.Second, "exhausted batch", func() { return len(alerts.raised()) == 1 })
	if f.calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", f.calls())
	}
	waitFor(t, time.Second, "done callbacks", func() { return doneCalls.Load() == 2 })

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dead-letter dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead-letter file, got %d", len(entries))
	}

	st := e.Stats()
	if st.Failed != 2 || st.DeadLetters != 1 || st.Retries != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestEngine_FinalFlushOnShutdown(t *testing.T) {
	f := &stubFlusher{}
	e, cancel, stopped := startEngine(t, f, nil, nil, Settings{
		BatchSize: 100, Interval: time.Hour, MaxQueue: 10,
	})

	e.Submit(context.Background(), engineSample("D1", "2025-07-15 10:00:00"), nil)
	e.Submit(context.Background(), engineSample("D2", "2025-07-15 10:00:00"), nil)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	if f.calls() != 1 {
		t.Fatalf("expected 1 final flush, got %d", f.calls())
	}
	if got := len(f.batch(0)); got != 2 {
		t.Errorf("expected final batch of 2, got %d", got)
	}
}

func TestSubmit_DisplacesOldestSameDevice(t *testing.T) {
	e := NewEngine(&stubFlusher{}, nil, nil, Settings{
		BatchSize: 100, Interval: time.Hour, MaxQueue: 2,
	}, zap.NewNop())

	var droppedDone atomic.Int32
	e.Submit(context.Background(), engineSample("A", "2025-07-15 10:00:00"), func() { droppedDone.Add(1) })
	e.Submit(context.Background(), engineSample("A", "2025-07-15 10:00:01"), nil)

	// Queue full; the third submit displaces the oldest queued A sample.
	if err := e.Submit(context.Background(), engineSample("A", "2025-07-15 10:00:02"), nil); err != nil {
		t.Fatalf("expected displacement, got %v", err)
	}
	if droppedDone.Load() != 1 {
		t.Error("expected the displaced sample's done callback to run")
	}
	if e.QueueLen() != 2 {
		t.Errorf("expected queue len 2, got %d", e.QueueLen())
	}
	if e.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", e.Stats().Dropped)
	}
}

func TestSubmit_DropsIncomingWhenDeviceAbsent(t *testing.T) {
	e := NewEngine(&stubFlusher{}, nil, nil, Settings{
		BatchSize: 100, Interval: time.Hour, MaxQueue: 2,
	}, zap.NewNop())

	e.Submit(context.Background(), engineSample("A", "2025-07-15 10:00:00"), nil)
	e.Submit(context.Background(), engineSample("A", "2025-07-15 10:00:01"), nil)

	var incomingDone atomic.Int32
	err := e.Submit(context.Background(), engineSample("B", "2025-07-15 10:00:00"), func() { incomingDone.Add(1) })
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if incomingDone.Load() != 1 {
		t.Error("expected the dropped incoming sample's done callback to run")
	}
	if e.QueueLen() != 2 {
		t.Errorf("queue should be untouched, got len %d", e.QueueLen())
	}
}

func TestEngine_Occupancy(t *testing.T) {
	e := NewEngine(&stubFlusher{}, nil, nil, Settings{
		BatchSize: 100, Interval: time.Hour, MaxQueue: 10,
	}, zap.NewNop())

	for i := 0; i < 9; i++ {
		e.Submit(context.Background(), engineSample("D", "2025-07-15 10:00:00"), nil)
	}
	if occ := e.Occupancy(); occ != 0.9 {
		t.Errorf("expected occupancy 0.9, got %f", occ)
	}
}

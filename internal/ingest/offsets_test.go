package ingest

import (
	"sync"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
)

// markRecorder captures MarkFlushed batches in call order.
type markRecorder struct {
	mu      sync.Mutex
	batches [][]*kgo.Record
}

func (m *markRecorder) MarkFlushed(recs []*kgo.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, recs)
}

func (m *markRecorder) offsets() [][]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]int64
	for _, batch := range m.batches {
		var offs []int64
		for _, r := range batch {
			offs = append(offs, r.Offset)
		}
		out = append(out, offs)
	}
	return out
}

func rec(part int32, offset int64) *kgo.Record {
	return &kgo.Record{Topic: "gps.pub", Partition: part, Offset: offset}
}

func TestLadderReleasesContiguousPrefix(t *testing.T) {
	l := newOffsetLadder()
	off := &markRecorder{}
	r0, r1, r2 := rec(0, 0), rec(0, 1), rec(0, 2)
	l.track(off, r0)
	l.track(off, r1)
	l.track(off, r2)

	if ready := l.complete(off, r1); ready != nil {
		t.Fatalf("completing out of order returned %v, want nil", ready)
	}
	if got := l.inFlight(); got != 3 {
		t.Errorf("inFlight = %d, want 3", got)
	}

	ready := l.complete(off, r0)
	if len(ready) != 2 || ready[0].Offset != 0 || ready[1].Offset != 1 {
		t.Fatalf("ready = %v, want offsets [0 1]", ready)
	}
	if got := l.inFlight(); got != 1 {
		t.Errorf("inFlight = %d, want 1", got)
	}

	ready = l.complete(off, r2)
	if len(ready) != 1 || ready[0].Offset != 2 {
		t.Fatalf("ready = %v, want offset [2]", ready)
	}
	if got := l.inFlight(); got != 0 {
		t.Errorf("inFlight = %d, want 0", got)
	}
}

func TestLadderPartitionsAreIndependent(t *testing.T) {
	l := newOffsetLadder()
	off := &markRecorder{}
	p0, p1 := rec(0, 5), rec(1, 5)
	l.track(off, p0)
	l.track(off, p1)

	ready := l.complete(off, p1)
	if len(ready) != 1 || ready[0].Partition != 1 {
		t.Fatalf("partition 1 should release without waiting on partition 0, got %v", ready)
	}
}

func TestLadderSessionsAreIndependent(t *testing.T) {
	l := newOffsetLadder()
	a, b := &markRecorder{}, &markRecorder{}
	ra, rb := rec(0, 0), rec(0, 0)
	l.track(a, ra)
	l.track(b, rb)

	if ready := l.complete(b, rb); len(ready) != 1 {
		t.Fatalf("session b should release independently, got %v", ready)
	}
	if got := l.inFlight(); got != 1 {
		t.Errorf("inFlight = %d, want 1", got)
	}
}

func TestLadderIgnoresUntrackedRecord(t *testing.T) {
	l := newOffsetLadder()
	off := &markRecorder{}
	if ready := l.complete(off, rec(0, 9)); ready != nil {
		t.Fatalf("untracked complete returned %v", ready)
	}
}

package history

import (
	"sync"

	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

// pending couples a queued sample with the completion callback handed in by
// the producer. done runs exactly once, after the sample is flushed, dropped
// under backpressure, or dead-lettered.
type pending struct {
	sample *telemetry.Sample
	done   func()
}

// queue is a bounded FIFO of pending samples. A channel cannot serve here:
// the backpressure policy removes the oldest entry for one device while
// producers keep appending, which needs indexed access under a lock.
type queue struct {
	mu    sync.Mutex
	items []pending
	head  int
	max   int

	// wake coalesces enqueue signals for the flush loop; space coalesces
	// removal signals for producers blocked on a full queue.
	wake  chan struct{}
	space chan struct{}
}

func newQueue(max int) *queue {
	return &queue{
		max:   max,
		wake:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// size must be called with mu held.
func (q *queue) size() int { return len(q.items) - q.head }

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

func (q *queue) occupancy() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max == 0 {
		return 0
	}
	return float64(q.size()) / float64(q.max)
}

func (q *queue) tryEnqueue(p pending) bool {
	q.mu.Lock()
	if q.size() >= q.max {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, p)
	q.mu.Unlock()
	signal(q.wake)
	return true
}

// drain removes and returns up to n entries from the head.
func (q *queue) drain(n int) []pending {
	q.mu.Lock()
	if avail := q.size(); n > avail {
		n = avail
	}
	if n <= 0 {
		q.mu.Unlock()
		return nil
	}
	out := make([]pending, n)
	copy(out, q.items[q.head:q.head+n])
	q.head += n
	q.compact()
	q.mu.Unlock()
	signal(q.space)
	return out
}

// dropOldest removes the oldest queued entry for the device, if any.
func (q *queue) dropOldest(deviceID string) (pending, bool) {
	q.mu.Lock()
	for i := q.head; i < len(q.items); i++ {
		if q.items[i].sample.DeviceID == deviceID {
			p := q.items[i]
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.mu.Unlock()
			signal(q.space)
			return p, true
		}
	}
	q.mu.Unlock()
	return pending{}, false
}

// compact must be called with mu held. It reclaims the consumed prefix once
// it dominates the backing array.
func (q *queue) compact() {
	if q.head > 0 && q.head >= len(q.items)/2 {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

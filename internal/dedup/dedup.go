// Package dedup gates inbound samples through a per-device fingerprint
// window so re-deliveries and replayed history never reach persistence or
// broadcast twice.
package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fleettrack/gps-ingester/internal/metrics"
)

const (
	// DefaultWindow is the per-device fingerprint capacity.
	DefaultWindow = 64
	// DefaultMaxSkew rejects samples older than the device's newest accepted
	// timestamp by more than this much.
	DefaultMaxSkew = 24 * time.Hour
	// DefaultMaxDevices bounds the number of devices tracked at once.
	DefaultMaxDevices = 16384
)

// noSequence marks a fingerprint whose payload carried no sequence number.
const noSequence = int64(-1)

type fingerprint struct {
	ts  int64 // wall-clock unix seconds
	seq int64
}

type deviceWindow struct {
	mu     sync.Mutex
	recent *lru.Cache[fingerprint, struct{}]
	newest int64 // newest accepted wall-clock unix seconds
}

// Filter is the process-wide dedup gate. Devices are tracked in a global LRU;
// evicting a device evicts its whole window.
type Filter struct {
	mu      sync.Mutex
	devices *lru.Cache[string, *deviceWindow]
	window  int
	maxSkew time.Duration

	accepted   atomic.Uint64
	duplicates atomic.Uint64
	stale      atomic.Uint64
}

// New builds a filter tracking up to maxDevices devices with a perDevice
// fingerprint window and the given staleness skew. Zero values select the
// defaults.
func New(maxDevices, perDevice int, maxSkew time.Duration) (*Filter, error) {
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}
	if perDevice <= 0 {
		perDevice = DefaultWindow
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}

	devices, err := lru.New[string, *deviceWindow](maxDevices)
	if err != nil {
		return nil, fmt.Errorf("dedup device cache: %w", err)
	}

	return &Filter{
		devices: devices,
		window:  perDevice,
		maxSkew: maxSkew,
	}, nil
}

// Accept reports whether the (device, timestamp, sequence) triple has not been
// seen inside the device's window and is not stale. A timestamp tie with a
// differing sequence number is a distinct fingerprint and passes; an exact
// re-arrival does not.
func (f *Filter) Accept(deviceID string, ts time.Time, seq *int64) bool {
	w := f.windowFor(deviceID)

	fp := fingerprint{ts: ts.Unix(), seq: noSequence}
	if seq != nil {
		fp.seq = *seq
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.recent.Contains(fp) {
		f.duplicates.Add(1)
		metrics.DedupDroppedTotal.WithLabelValues("duplicate").Inc()
		return false
	}

	skew := int64(f.maxSkew / time.Second)
	if w.newest != 0 && w.newest-fp.ts > skew {
		f.stale.Add(1)
		metrics.DedupDroppedTotal.WithLabelValues("stale").Inc()
		return false
	}

	w.recent.Add(fp, struct{}{})
	if fp.ts > w.newest {
		w.newest = fp.ts
	}
	f.accepted.Add(1)
	return true
}

func (f *Filter) windowFor(deviceID string) *deviceWindow {
	f.mu.Lock()
	defer f.mu.Unlock()

	if w, ok := f.devices.Get(deviceID); ok {
		return w
	}
	recent, _ := lru.New[fingerprint, struct{}](f.window)
	w := &deviceWindow{recent: recent}
	f.devices.Add(deviceID, w)
	return w
}

// Stats is a point-in-time snapshot of filter counters.
type Stats struct {
	Devices    int    `json:"devices"`
	Accepted   uint64 `json:"accepted"`
	Duplicates uint64 `json:"duplicates"`
	Stale      uint64 `json:"stale"`
}

func (f *Filter) Stats() Stats {
	return Stats{
		Devices:    f.devices.Len(),
		Accepted:   f.accepted.Load(),
		Duplicates: f.duplicates.Load(),
		Stale:      f.stale.Load(),
	}
}

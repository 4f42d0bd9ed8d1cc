// Package vehicles holds the read-mostly device directory used to enrich
// inbound samples with owner references. The directory is refreshed wholesale
// on an interval and swapped atomically; lookups never block on a refresh.
package vehicles

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/metrics"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

// ErrNotFound marks a device id with no vehicle record. The sample is still
// persisted and broadcast on the generic topics.
var ErrNotFound = errors.New("vehicles: device not registered")

// Vehicle is one directory entry. The CRUD surface that maintains these rows
// is external; this service only reads them.
type Vehicle struct {
	ID               int64
	SerialNo         string
	IMEI             string
	DeviceID         string
	InstallationDate *time.Time
	RenewalDate      *time.Time
	Owners           telemetry.OwnerRefs
}

// Loader supplies the full vehicle set on each refresh.
type Loader interface {
	LoadAll(ctx context.Context) ([]Vehicle, error)
}

// Directory maps device ids to vehicles. The map behind the pointer is never
// mutated after publication; Refresh builds a new one and swaps it in.
type Directory struct {
	loader  Loader
	logger  *zap.Logger
	byDevice atomic.Pointer[map[string]*Vehicle]

	hits        atomic.Uint64
	misses      atomic.Uint64
	refreshes   atomic.Uint64
	lastRefresh atomic.Int64 // unix seconds
}

func NewDirectory(loader Loader, logger *zap.Logger) *Directory {
	d := &Directory{loader: loader, logger: logger}
	empty := make(map[string]*Vehicle)
	d.byDevice.Store(&empty)
	return d
}

// Refresh loads the vehicle set and atomically replaces the lookup map.
func (d *Directory) Refresh(ctx context.Context) error {
	all, err := d.loader.LoadAll(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]*Vehicle, len(all))
	for i := range all {
		v := &all[i]
		if v.DeviceID == "" {
			continue
		}
		next[v.DeviceID] = v
	}
	d.byDevice.Store(&next)
	d.refreshes.Add(1)
	d.lastRefresh.Store(time.Now().Unix())

	d.logger.Debug("vehicle directory refreshed", zap.Int("devices", len(next)))
	return nil
}

// Run refreshes the directory on the given interval until ctx is canceled.
// The initial load is the caller's job so startup can fail fast on a broken
// datastore.
func (d *Directory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.logger.Warn("vehicle directory refresh failed", zap.Error(err))
			}
		}
	}
}

// Lookup resolves a device id. The returned vehicle must not be mutated.
func (d *Directory) Lookup(deviceID string) (*Vehicle, error) {
	m := *d.byDevice.Load()
	v, ok := m[deviceID]
	if !ok {
		d.misses.Add(1)
		metrics.VehicleLookupsTotal.WithLabelValues("miss").Inc()
		return nil, ErrNotFound
	}
	d.hits.Add(1)
	metrics.VehicleLookupsTotal.WithLabelValues("hit").Inc()
	return v, nil
}

// Size reports the number of registered devices.
func (d *Directory) Size() int {
	return len(*d.byDevice.Load())
}

// Stats is a point-in-time snapshot of directory counters.
type Stats struct {
	Devices     int    `json:"devices"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Refreshes   uint64 `json:"refreshes"`
	LastRefresh int64  `json:"lastRefreshUnix"`
}

func (d *Directory) Stats() Stats {
	return Stats{
		Devices:     d.Size(),
		Hits:        d.hits.Load(),
		Misses:      d.misses.Load(),
		Refreshes:   d.refreshes.Load(),
		LastRefresh: d.lastRefresh.Load(),
	}
}

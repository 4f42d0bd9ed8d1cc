// Package lastloc keeps the most recent sample per device in a bounded LRU
// with a durable last_locations row behind it. The cache is a performance
// layer; eviction never touches the stored row.
package lastloc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/metrics"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

const DefaultMaxEntries = 100_000

// Store is the durable side of the cache.
type Store interface {
	UpsertLast(ctx context.Context, s *telemetry.Sample) error
}

// entry holds one device's freshest sample plus the last-broadcast mark the
// push fabric rate-limits on. Writes hold the per-entry lock.
type entry struct {
	mu            sync.Mutex
	sample        *telemetry.Sample
	lastBroadcast time.Time
}

type Cache struct {
	lru    *lru.Cache[string, *entry]
	max    int
	store  Store
	logger *zap.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	accepted  atomic.Int64
	rejected  atomic.Int64
}

// Stats is the snapshot served on the stats topic and read by the cache
// health probe.
type Stats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Accepted  int64   `json:"accepted"`
	Rejected  int64   `json:"rejected"`
	HitRate   float64 `json:"hit_rate_pct"`
}

func NewCache(maxEntries int, store Store, logger *zap.Logger) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{max: maxEntries, store: store, logger: logger}
	inner, err := lru.NewWithEvict(maxEntries, func(string, *entry) {
		c.evictions.Add(1)
		metrics.CacheEvictionsTotal.Inc()
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// Observe offers a sample. It is accepted iff strictly newer than the cached
// one; on accept the sample becomes the device's last location and is written
// through to the store. A failed write-through keeps the cache update, the
// guarded upsert converges on the next accept.
func (c *Cache) Observe(ctx context.Context, s *telemetry.Sample) bool {
	e, ok := c.lru.Get(s.DeviceID)
	if !ok {
		e = &entry{}
		c.lru.Add(s.DeviceID, e)
		metrics.CacheSize.Set(float64(c.lru.Len()))
	}

	e.mu.Lock()
	if e.sample != nil && !s.RecordedAt.After(e.sample.RecordedAt) {
		e.mu.Unlock()
		c.rejected.Add(1)
		return false
	}
	e.sample = s
	e.mu.Unlock()
	c.accepted.Add(1)

	if c.store != nil {
		if err := c.store.UpsertLast(ctx, s); err != nil {
			c.logger.Warn("last-location write-through failed",
				zap.String("device_id", s.DeviceID),
				zap.Error(err),
			)
		}
	}
	return true
}

// Get returns the device's cached last location.
func (c *Cache) Get(deviceID string) (*telemetry.Sample, bool) {
	e, ok := c.lru.Get(deviceID)
	if ok {
		e.mu.Lock()
		s := e.sample
		e.mu.Unlock()
		if s != nil {
			c.hits.Add(1)
			metrics.CacheHitsTotal.Inc()
			return s, true
		}
	}
	c.misses.Add(1)
	metrics.CacheMissesTotal.Inc()
	return nil, false
}

// AllowBroadcast reports whether a broadcast for the device may go out now
// and, when it may, advances the device's last-broadcast mark. Devices
// without an entry are always allowed.
func (c *Cache) AllowBroadcast(deviceID string, minInterval time.Duration) bool {
	e, ok := c.lru.Peek(deviceID)
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if now.Sub(e.lastBroadcast) < minInterval {
		return false
	}
	e.lastBroadcast = now
	return true
}

func (c *Cache) Len() int { return c.lru.Len() }

func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	rate := 100.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses) * 100
	}
	return Stats{
		Size:      c.lru.Len(),
		MaxSize:   c.max,
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		Accepted:  c.accepted.Load(),
		Rejected:  c.rejected.Load(),
		HitRate:   rate,
	}
}

// Package broker maintains the pool of long-lived subscriber sessions that
// feed the ingestion pipeline. Sessions reconnect on their own with jittered
// exponential backoff; the pool sizes itself from the expected device count
// and scales up when utilization crosses the configured threshold.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	// DefaultDevicesPerSession is the capacity heuristic: one session is
	// expected to carry this many devices' publish rate.
	DefaultDevicesPerSession = 15

	scaleCheckInterval = 30 * time.Second
)

// Settings sizes the pool. Broker-level client options live in Config.
type Settings struct {
	Initial           int
	Max               int
	DevicesPerSession int
	ScaleThresholdPct int
	ExpectedDevices   int
}

// TargetSessions returns the session count needed for the expected device
// population: ceil(devices / perSession) plus two spares for rebalance churn.
func TargetSessions(expectedDevices, devicesPerSession int) int {
	if devicesPerSession <= 0 {
		devicesPerSession = DefaultDevicesPerSession
	}
	if expectedDevices <= 0 {
		return 2
	}
	return (expectedDevices+devicesPerSession-1)/devicesPerSession + 2
}

// PoolStats is a point-in-time view over all sessions.
type PoolStats struct {
	Total      int   `json:"total"`
	Connecting int   `json:"connecting"`
	Active     int   `json:"active"`
	Draining   int   `json:"draining"`
	Lost       int   `json:"lost"`
	Capacity   int   `json:"capacity"` // Active * DevicesPerSession
	Messages   int64 `json:"messages"`
}

// Pool owns the subscriber sessions. Start spawns the initial set sized from
// the expected device count; the scale loop and ForceScale grow it up to
// Settings.Max. Sessions are never shrunk; a finished session simply exits
// its Run loop.
type Pool struct {
	cfg        Config
	set        Settings
	deliveries chan<- Delivery
	logger     *zap.Logger

	mu       sync.Mutex
	sessions []*Session
	nextID   int
	runCtx   context.Context

	wg sync.WaitGroup
}

func NewPool(cfg Config, set Settings, deliveries chan<- Delivery, logger *zap.Logger) *Pool {
	if set.DevicesPerSession <= 0 {
		set.DevicesPerSession = DefaultDevicesPerSession
	}
	if set.ScaleThresholdPct <= 0 || set.ScaleThresholdPct > 100 {
		set.ScaleThresholdPct = 80
	}
	if set.Initial < 1 {
		set.Initial = 1
	}
	if set.Max < set.Initial {
		set.Max = set.Initial
	}
	return &Pool{
		cfg:        cfg,
		set:        set,
		deliveries: deliveries,
		logger:     logger,
	}
}

// Start spawns the initial sessions and the auto-scale monitor. The pool
// drains when ctx is canceled; use Wait to block until every session closed.
func (p *Pool) Start(ctx context.Context) {
	target := TargetSessions(p.set.ExpectedDevices, p.set.DevicesPerSession)
	if target < p.set.Initial {
		target = p.set.Initial
	}
	if target > p.set.Max {
		target = p.set.Max
	}

	p.mu.Lock()
	p.runCtx = ctx
	for i := 0; i < target; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.logger.Info("broker pool started",
		zap.Int("sessions", target),
		zap.Int("devices_per_session", p.set.DevicesPerSession),
		zap.Int("expected_devices", p.set.ExpectedDevices),
	)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.scaleLoop(ctx)
	}()
}

// spawnLocked creates and runs one session. Caller holds p.mu.
func (p *Pool) spawnLocked() {
	s := newSession(p.nextID, nil, p.deliveries, p.logger)
	s.opts = func() []kgo.Opt { return p.cfg.clientOpts(s, p.logger) }
	p.nextID++
	p.sessions = append(p.sessions, s)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		s.Run(p.runCtx)
	}()
}

// ForceScale grows the pool to n sessions. Scaling down is not supported;
// a target at or below the current size is a no-op.
func (p *Pool) ForceScale(n int) error {
	if n > p.set.Max {
		return fmt.Errorf("broker pool: target %d exceeds pool.max %d", n, p.set.Max)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runCtx == nil {
		return fmt.Errorf("broker pool: not started")
	}
	if p.runCtx.Err() != nil {
		return fmt.Errorf("broker pool: shutting down")
	}

	added := 0
	for len(p.sessions) < n {
		p.spawnLocked()
		added++
	}
	if added > 0 {
		p.logger.Info("pool scaled", zap.Int("added", added), zap.Int("total", len(p.sessions)))
	}
	return nil
}

// scaleLoop grows the pool when active utilization crosses the threshold.
func (p *Pool) scaleLoop(ctx context.Context) {
	ticker := time.NewTicker(scaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.Stats()
			if st.Total == 0 || st.Total >= p.set.Max {
				continue
			}
			if st.Active*100 > p.set.ScaleThresholdPct*st.Total {
				if err := p.ForceScale(st.Total + 1); err != nil {
					p.logger.Warn("auto-scale failed", zap.Error(err))
				}
			}
		}
	}
}

// CanServe reports whether the pool can carry n devices: active capacity must
// cover them and at least 90% of the sessions must be active.
func (p *Pool) CanServe(n int) bool {
	st := p.Stats()
	if st.Active*p.set.DevicesPerSession < n {
		return false
	}
	quorum := (st.Total*9 + 9) / 10 // ceil(total * 0.9)
	return st.Active >= quorum
}

// Serviceable returns ErrPoolExhausted when no session can accept work.
func (p *Pool) Serviceable() error {
	st := p.Stats()
	if st.Total > 0 && st.Active == 0 && st.Connecting == 0 && st.Draining == 0 {
		return ErrPoolExhausted
	}
	return nil
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	sessions := make([]*Session, len(p.sessions))
	copy(sessions, p.sessions)
	p.mu.Unlock()

	var st PoolStats
	st.Total = len(sessions)
	for _, s := range sessions {
		switch s.State() {
		case StateConnecting:
			st.Connecting++
		case StateActive:
			st.Active++
		case StateDraining:
			st.Draining++
		case StateLost:
			st.Lost++
		}
		st.Messages += s.Messages()
	}
	st.Capacity = st.Active * p.set.DevicesPerSession
	return st
}

// DevicesPerSession exposes the capacity heuristic for health probes.
func (p *Pool) DevicesPerSession() int {
	return p.set.DevicesPerSession
}

// Wait blocks until every session and the scale loop have returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fleettrack/gps-ingester/internal/metrics"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

// Alert severity levels.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert kinds raised by sample evaluation and by the pipeline itself.
const (
	KindSpeed            = "SPEED_ALERT"
	KindIgnitionHours    = "IGNITION_HOURS"
	KindSuspiciousCoords = "SUSPICIOUS_COORDS"
	KindPanic            = "PANIC_ALERT"
	KindBatchFailed      = "BATCH_FAILED"
	KindShutdownAborted  = "SHUTDOWN_ABORTED"
)

const (
	DefaultSpeedThreshold = 120.0
	DefaultHoursStart     = 6
	DefaultHoursEnd       = 22
	DefaultPerHour        = 10
	DefaultDedupWindow    = time.Minute

	dedupCapacity = 16384
)

// Alert is the frame published on the alert topic.
type Alert struct {
	Type     string         `json:"type"`
	Kind     string         `json:"kind"`
	Level    Level          `json:"level"`
	DeviceID string         `json:"deviceId,omitempty"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	RaisedAt string         `json:"raisedAt"`
}

// AlertSettings tunes evaluation thresholds and suppression. Zero values fall
// back to the defaults above.
type AlertSettings struct {
	SpeedThreshold float64 // km/h
	HoursStart     int     // device-local hour, inclusive
	HoursEnd       int     // device-local hour, exclusive
	PerHour        int     // per-kind hourly cap
	DedupWindow    time.Duration
}

func (s AlertSettings) withDefaults() AlertSettings {
	if s.SpeedThreshold <= 0 {
		s.SpeedThreshold = DefaultSpeedThreshold
	}
	if s.HoursStart <= 0 {
		s.HoursStart = DefaultHoursStart
	}
	if s.HoursEnd <= 0 {
		s.HoursEnd = DefaultHoursEnd
	}
	if s.PerHour <= 0 {
		s.PerHour = DefaultPerHour
	}
	if s.DedupWindow <= 0 {
		s.DedupWindow = DefaultDedupWindow
	}
	return s
}

// Alerter evaluates samples against the alert rules and publishes surviving
// alerts on the alert topic. Suppression is checked in order: muted kind,
// per-device dedup window, per-kind hourly token bucket.
type Alerter struct {
	hub    *Hub
	set    AlertSettings
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	recent *ttlcache.Cache[string, struct{}]
	muted  sync.Map

	raised     atomic.Int64
	suppressed atomic.Int64
}

// AlertStats is a point-in-time snapshot of alert activity.
type AlertStats struct {
	Raised     int64 `json:"raised"`
	Suppressed int64 `json:"suppressed"`
}

func NewAlerter(hub *Hub, set AlertSettings, logger *zap.Logger) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerter{
		hub:      hub,
		set:      set.withDefaults(),
		logger:   logger.Named("alerts"),
		limiters: make(map[string]*rate.Limiter),
		recent: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](set.withDefaults().DedupWindow),
			ttlcache.WithCapacity[string, struct{}](dedupCapacity),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

// Run drives the dedup cache janitor until ctx is cancelled.
func (a *Alerter) Run(ctx context.Context) {
	go a.recent.Start()
	<-ctx.Done()
	a.recent.Stop()
}

// Evaluate applies the alert rules to an accepted sample. Hour checks use the
// device wall clock carried on the sample, not server time.
func (a *Alerter) Evaluate(s *telemetry.Sample) {
	if s.PanicSet() {
		a.Raise(Alert{
			Kind:     KindPanic,
			Level:    LevelCritical,
			DeviceID: s.DeviceID,
			Message:  "panic button pressed",
			Details:  map[string]any{"recordedAt": s.TimestampString()},
		})
	}
	if s.Speed != nil && *s.Speed > a.set.SpeedThreshold {
		a.Raise(Alert{
			Kind:     KindSpeed,
			Level:    LevelCritical,
			DeviceID: s.DeviceID,
			Message:  fmt.Sprintf("speed %.1f km/h exceeds limit %.0f", *s.Speed, a.set.SpeedThreshold),
			Details:  map[string]any{"speed": *s.Speed, "threshold": a.set.SpeedThreshold},
		})
	}
	if s.Ignition == "ON" {
		hour := s.RecordedAt.Hour()
		if hour < a.set.HoursStart || hour >= a.set.HoursEnd {
			a.Raise(Alert{
				Kind:     KindIgnitionHours,
				Level:    LevelWarning,
				DeviceID: s.DeviceID,
				Message:  fmt.Sprintf("ignition on at %02d:00, outside %02d:00-%02d:00", hour, a.set.HoursStart, a.set.HoursEnd),
				Details:  map[string]any{"hour": hour},
			})
		}
	}
	if s.HasCoordinates() && *s.Latitude == 0 && *s.Longitude == 0 {
		a.Raise(Alert{
			Kind:     KindSuspiciousCoords,
			Level:    LevelWarning,
			DeviceID: s.DeviceID,
			Message:  "position reported at (0,0)",
		})
	}
}

// Raise publishes the alert unless a suppression rule eats it. Returns true
// when the alert went out.
func (a *Alerter) Raise(al Alert) bool {
	if a.isMuted(al.Kind) {
		a.suppress(al.Kind, "muted")
		return false
	}
	if al.DeviceID != "" && a.recentlyRaised(al.Kind, al.DeviceID) {
		a.suppress(al.Kind, "dedup")
		return false
	}
	if !a.limiter(al.Kind).Allow() {
		a.suppress(al.Kind, "rate_limited")
		return false
	}

	al.Type = "alert"
	al.RaisedAt = time.Now().UTC().Format(time.RFC3339)
	if al.DeviceID != "" {
		a.recent.Set(dedupKey(al.Kind, al.DeviceID), struct{}{}, ttlcache.DefaultTTL)
	}

	a.raised.Add(1)
	metrics.AlertsTotal.WithLabelValues(al.Kind, string(al.Level)).Inc()
	if _, err := a.hub.Publish(TopicAlerts, al); err != nil {
		a.logger.Warn("alert publish failed", zap.String("kind", al.Kind), zap.Error(err))
	}

	log := a.logger.Info
	if al.Level == LevelCritical {
		log = a.logger.Warn
	}
	log("alert raised",
		zap.String("kind", al.Kind),
		zap.String("level", string(al.Level)),
		zap.String("device_id", al.DeviceID),
		zap.String("message", al.Message))
	return true
}

// Critical raises a Critical alert. Satisfies the batch engine's alerter hook.
func (a *Alerter) Critical(kind, deviceID, message string) {
	a.Raise(Alert{Kind: kind, Level: LevelCritical, DeviceID: deviceID, Message: message})
}

// Warning raises a Warning alert.
func (a *Alerter) Warning(kind, deviceID, message string) {
	a.Raise(Alert{Kind: kind, Level: LevelWarning, DeviceID: deviceID, Message: message})
}

// Mute silences a kind until Unmute. Suppressed alerts still count.
func (a *Alerter) Mute(kind string) { a.muted.Store(kind, struct{}{}) }

func (a *Alerter) Unmute(kind string) { a.muted.Delete(kind) }

func (a *Alerter) isMuted(kind string) bool {
	_, ok := a.muted.Load(kind)
	return ok
}

func (a *Alerter) recentlyRaised(kind, deviceID string) bool {
	return a.recent.Get(dedupKey(kind, deviceID)) != nil
}

func (a *Alerter) suppress(kind, reason string) {
	a.suppressed.Add(1)
	metrics.AlertsSuppressedTotal.WithLabelValues(kind, reason).Inc()
}

func (a *Alerter) limiter(kind string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[kind]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Hour/time.Duration(a.set.PerHour)), a.set.PerHour)
		a.limiters[kind] = l
	}
	return l
}

func (a *Alerter) Stats() AlertStats {
	return AlertStats{Raised: a.raised.Load(), Suppressed: a.suppressed.Load()}
}

func dedupKey(kind, deviceID string) string { return kind + "|" + deviceID }

package broadcast

import (
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/metrics"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

// DefaultMinInterval is the per-device floor between location broadcasts.
// Samples arriving faster than this are persisted but not pushed.
const DefaultMinInterval = 100 * time.Millisecond

// BroadcastGate decides whether a device may broadcast again. The
// last-location cache implements it off the per-device broadcast mark.
type BroadcastGate interface {
	AllowBroadcast(deviceID string, minInterval time.Duration) bool
}

// LocationUpdate is the frame pushed for an accepted sample.
type LocationUpdate struct {
	Type       string   `json:"type"`
	DeviceID   string   `json:"deviceId"`
	RecordedAt string   `json:"recordedAt"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Speed      *float64 `json:"speed,omitempty"`
	Course     string   `json:"course,omitempty"`
	Ignition   string   `json:"ignition,omitempty"`
	Status     string   `json:"status,omitempty"`
	Panic      bool     `json:"panic,omitempty"`
}

// Router maps accepted samples onto the generic, per-device and owner-scoped
// topics. Publishing is best effort; a failed or empty topic never stops the
// remaining ones.
type Router struct {
	hub         *Hub
	gate        BroadcastGate
	minInterval time.Duration
	logger      *zap.Logger
}

func NewRouter(hub *Hub, gate BroadcastGate, minInterval time.Duration, logger *zap.Logger) *Router {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		hub:         hub,
		gate:        gate,
		minInterval: minInterval,
		logger:      logger.Named("router"),
	}
}

// BroadcastSample pushes the sample to every topic it belongs on. Returns the
// total number of sessions the update was queued for, zero when the device is
// inside its rate-limit window.
func (r *Router) BroadcastSample(s *telemetry.Sample) int {
	if r.gate != nil && !r.gate.AllowBroadcast(s.DeviceID, r.minInterval) {
		metrics.BroadcastDroppedTotal.WithLabelValues("rate_limited").Inc()
		return 0
	}

	update := LocationUpdate{
		Type:       "location",
		DeviceID:   s.DeviceID,
		RecordedAt: s.TimestampString(),
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Speed:      s.Speed,
		Course:     s.Course,
		Ignition:   s.Ignition,
		Status:     s.Status,
		Panic:      s.PanicSet(),
	}

	total := 0
	total += r.publish(TopicLocationUpdates, "generic", update)
	total += r.publish(DeviceTopic(s.DeviceID), "device", update)
	for role, id := range ownerTopics(s.Owners) {
		total += r.publish(RoleTopic(role, id), "role", update)
	}
	return total
}

func (r *Router) publish(topic, scope string, payload any) int {
	sent, err := r.hub.Publish(topic, payload)
	if err != nil {
		metrics.BroadcastErrorsTotal.Inc()
		r.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return 0
	}
	if sent > 0 {
		metrics.BroadcastsTotal.WithLabelValues(scope).Inc()
	}
	return sent
}

// ownerTopics returns the role segments present on the sample. Vehicles with
// no owner references broadcast on the generic and device topics only.
func ownerTopics(o telemetry.OwnerRefs) map[string]int64 {
	out := make(map[string]int64, 5)
	if o.DealerID != nil {
		out[RoleDealer] = *o.DealerID
	}
	if o.AdminID != nil {
		out[RoleAdmin] = *o.AdminID
	}
	if o.ClientID != nil {
		out[RoleClient] = *o.ClientID
	}
	if o.UserID != nil {
		out[RoleUser] = *o.UserID
	}
	if o.SuperadminID != nil {
		out[RoleSuperadmin] = *o.SuperadminID
	}
	return out
}

package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/metrics"
)

// DefaultIdleTimeout disconnects sessions that have not exchanged any
// traffic for this long. CleanupIdle enforces it.
const DefaultIdleTimeout = time.Hour

var ErrHubClosed = &HubError{Op: "publish", Msg: "hub is closed"}

// HubError describes a registry-level failure.
type HubError struct {
	Op  string
	Msg string
}

func (e *HubError) Error() string { return "broadcast: " + e.Op + ": " + e.Msg }

// Hub is the session registry and topic router. All methods are safe for
// concurrent use.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	topics   map[string]map[*Session]struct{}
	closed   bool

	sendBuffer int
	logger     *zap.Logger

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// HubStats is a point-in-time snapshot of the registry.
type HubStats struct {
	Sessions  int   `json:"sessions"`
	Topics    int   `json:"topics"`
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// NewHub builds an empty registry. sendBuffer is the per-session frame buffer
// depth; 0 picks the default.
func NewHub(sendBuffer int, logger *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions:   make(map[string]*Session),
		topics:     make(map[string]map[*Session]struct{}),
		sendBuffer: sendBuffer,
		logger:     logger.Named("broadcast"),
	}
}

func (h *Hub) register(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &HubError{Op: "register", Msg: "hub is closed"}
	}
	h.sessions[s.ID] = s
	metrics.WSSessions.Set(float64(len(h.sessions)))
	return nil
}

// unregister removes the session from the registry and from every topic it
// subscribed to. Idempotent.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)
	for topic := range s.topics {
		if set, ok := h.topics[topic]; ok {
			delete(set, s)
		}
	}
	metrics.WSSessions.Set(float64(len(h.sessions)))
}

func (h *Hub) subscribe(s *Session, topic string) error {
	if !ValidTopic(topic) {
		return &HubError{Op: "subscribe", Msg: "unknown topic " + topic}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &HubError{Op: "subscribe", Msg: "hub is closed"}
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Session]struct{})
		h.topics[topic] = set
	}
	set[s] = struct{}{}
	s.topics[topic] = struct{}{}
	metrics.WSTopics.Set(float64(h.activeTopicsLocked()))
	return nil
}

// activeTopicsLocked counts topics with at least one subscriber. Callers hold h.mu.
func (h *Hub) activeTopicsLocked() int {
	n := 0
	for _, set := range h.topics {
		if len(set) > 0 {
			n++
		}
	}
	return n
}

// unsubscribe detaches the session from the topic. An emptied subscriber set
// stays in the map; Publish removes it lazily and CleanupIdle sweeps it.
func (h *Hub) unsubscribe(s *Session, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.topics[topic]; ok {
		delete(set, s)
	}
	delete(s.topics, topic)
	metrics.WSTopics.Set(float64(h.activeTopicsLocked()))
}

// Publish marshals the payload once and offers it to every subscriber of the
// topic. Sessions whose send buffers are full are skipped, not waited on.
// Returns the number of sessions the frame was queued for.
func (h *Hub) Publish(topic string, payload any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, &HubError{Op: "publish", Msg: "encode: " + err.Error()}
	}
	return h.publishRaw(topic, data), nil
}

func (h *Hub) publishRaw(topic string, data []byte) int {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	set, ok := h.topics[topic]
	if ok && len(set) == 0 {
		delete(h.topics, topic)
		ok = false
	}
	if !ok {
		h.mu.Unlock()
		return 0
	}
	subscribers := make([]*Session, 0, len(set))
	for s := range set {
		subscribers = append(subscribers, s)
	}
	h.mu.Unlock()

	h.published.Add(1)
	sent := 0
	for _, s := range subscribers {
		if s.trySend(data) {
			sent++
			h.delivered.Add(1)
		} else {
			h.dropped.Add(1)
			metrics.BroadcastDroppedTotal.WithLabelValues("slow_subscriber").Inc()
		}
	}
	return sent
}

// HasSubscribers reports whether at least one session listens on the topic.
func (h *Hub) HasSubscribers(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic]) > 0
}

// CleanupIdle disconnects sessions idle longer than maxIdle and drops
// subscriber sets emptied by unsubscribes. Returns the number of sessions
// closed.
func (h *Hub) CleanupIdle(maxIdle time.Duration) int {
	now := time.Now()
	h.mu.Lock()
	var stale []*Session
	for _, s := range h.sessions {
		if now.Sub(s.lastSeen()) > maxIdle {
			stale = append(stale, s)
		}
	}
	for topic, set := range h.topics {
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	metrics.WSTopics.Set(float64(h.activeTopicsLocked()))
	h.mu.Unlock()

	for _, s := range stale {
		h.logger.Info("closing idle session", zap.String("session_id", s.ID))
		s.Close()
	}
	return len(stale)
}

// RunCleanup sweeps idle sessions every interval until ctx is cancelled.
func (h *Hub) RunCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.CleanupIdle(maxIdle); n > 0 {
				h.logger.Info("idle session sweep", zap.Int("closed", n))
			}
		}
	}
}

// Close disconnects every session and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
	h.logger.Info("hub closed", zap.Int("sessions", len(open)))
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	sessions := len(h.sessions)
	topics := h.activeTopicsLocked()
	h.mu.RUnlock()
	return HubStats{
		Sessions:  sessions,
		Topics:    topics,
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

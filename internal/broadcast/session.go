package broadcast

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024
	defaultSendBuffer = 64
)

// control is an inbound client frame. Clients only ever send subscribe and
// unsubscribe requests; everything else flows server to client.
type control struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type ackFrame struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Session is one connected push-channel client. A session owns its websocket
// connection; the hub only ever talks to it through the buffered send channel.
type Session struct {
	ID string

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	// topics is guarded by hub.mu, never by the session itself.
	topics map[string]struct{}

	seen      atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn) *Session {
	s := &Session{
		ID:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		logger: h.logger.Named("session"),
		topics: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	s.touch()
	return s
}

// Attach wraps an upgraded connection in a session, registers it and starts
// the read and write pumps. The caller hands over ownership of conn.
func (h *Hub) Attach(conn *websocket.Conn) (*Session, error) {
	s := newSession(h, conn)
	if err := h.register(s); err != nil {
		conn.Close()
		return nil, err
	}
	go s.writePump()
	go s.readPump()
	h.logger.Info("session connected", zap.String("session_id", s.ID))
	return s, nil
}

func (s *Session) touch() { s.seen.Store(time.Now().UnixNano()) }

func (s *Session) lastSeen() time.Time { return time.Unix(0, s.seen.Load()) }

// trySend queues a frame without blocking. A full buffer means the client is
// not keeping up and the frame is dropped.
func (s *Session) trySend(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close unregisters the session and signals the write pump to send a close
// frame and tear down the connection. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.hub.unregister(s)
		close(s.done)
	})
}

func (s *Session) readPump() {
	defer s.Close()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session read failed",
					zap.String("session_id", s.ID),
					zap.Error(err))
			}
			return
		}
		s.touch()
		s.handleControl(data)
	}
}

func (s *Session) handleControl(data []byte) {
	var c control
	if err := json.Unmarshal(data, &c); err != nil {
		s.sendError("malformed control frame")
		return
	}
	switch c.Action {
	case "subscribe":
		if err := s.hub.subscribe(s, c.Topic); err != nil {
			s.sendError(err.Error())
			return
		}
		s.sendAck(c.Action, c.Topic)
	case "unsubscribe":
		s.hub.unsubscribe(s, c.Topic)
		s.sendAck(c.Action, c.Topic)
	default:
		s.sendError("unknown action " + c.Action)
	}
}

func (s *Session) sendAck(action, topic string) {
	data, err := json.Marshal(ackFrame{Type: "ack", Action: action, Topic: topic})
	if err != nil {
		return
	}
	s.trySend(data)
}

func (s *Session) sendError(msg string) {
	data, err := json.Marshal(errorFrame{Type: "error", Message: msg})
	if err != nil {
		return
	}
	s.trySend(data)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "going away"))
			return
		}
	}
}

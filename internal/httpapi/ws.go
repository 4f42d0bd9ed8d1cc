package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// handleWS upgrades the connection and hands it to the hub, which owns the
// socket from then on. Subscription control frames are the hub's protocol.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error to the client.
		s.logger.Warn("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return
	}

	if _, err := s.deps.Hub.Attach(conn); err != nil {
		s.logger.Warn("session attach refused",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		conn.Close()
	}
}

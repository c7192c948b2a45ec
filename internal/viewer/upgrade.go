package viewer

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kstaniek/go-mirror-server/internal/hub"
	"github.com/kstaniek/go-mirror-server/internal/metrics"
)

// handleWS upgrades a viewer, registers it with the hub, replays the last
// frame and spawns its reader and writer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Hub.MaxClients > 0 && s.Hub.Count() >= s.Hub.MaxClients {
		metrics.IncHubReject()
		s.totalRejected.Add(1)
		s.logger.Warn("viewer_reject_max", "max_clients", s.Hub.MaxClients, "remote", r.RemoteAddr)
		http.Error(w, "too many viewers", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrUpgrade, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.logger.Warn("viewer_upgrade_failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	connID := s.nextConnID.Add(1)
	logger := s.logger.With("conn_id", connID, "remote", r.RemoteAddr)

	cl := hub.NewClient(s.Hub.OutBufSize)
	if last := s.LastFrame(); last != nil {
		cl.Send(last)
	}
	if err := s.Hub.Add(cl); err != nil {
		// lost a race for the last slot
		s.totalRejected.Add(1)
		logger.Warn("viewer_reject_max", "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many viewers")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
		_ = conn.Close()
		return
	}
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	s.totalAccepted.Add(1)
	logger.Info("viewer_connected")
	s.startWriter(conn, cl, logger)
	s.startReader(conn, cl, logger)
}

func (s *Server) forget(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	s.Hub.Remove(cl)
}

package viewer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kstaniek/go-mirror-server/internal/hub"
	"github.com/kstaniek/go-mirror-server/internal/metrics"
	"github.com/kstaniek/go-mirror-server/internal/serial"
	"github.com/kstaniek/go-mirror-server/internal/session"
)

// startReader reads viewer input until the connection fails, then closes the
// client so the writer tears everything down.
func (s *Server) startReader(conn *websocket.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cl.Close()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		})
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
					logger.Warn("viewer_read_error", "error", err)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			if kind != websocket.TextMessage {
				continue
			}
			metrics.IncViewerRx()
			s.handleInput(msg, logger)
		}
	}()
}

func (s *Server) handleInput(msg []byte, logger *slog.Logger) {
	if s.Control == nil {
		return
	}
	in, err := DecodeInput(msg)
	if err == nil {
		err = in.Apply(s.Control)
	}
	switch {
	case err == nil:
	case errors.Is(err, serial.ErrTxOverflow):
		logger.Debug("viewer_input_dropped", "type", in.Type)
	case errors.Is(err, session.ErrNoLink):
		logger.Debug("viewer_input_no_link", "type", in.Type)
	default:
		s.totalInputErrors.Add(1)
		metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrInput, err)))
		logger.Warn("viewer_input_error", "type", in.Type, "error", err)
	}
}

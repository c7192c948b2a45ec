package viewer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kstaniek/go-mirror-server/internal/hub"
	"github.com/kstaniek/go-mirror-server/internal/metrics"
)

// startWriter launches the goroutine pushing hub packets to a single viewer.
// It is the only goroutine writing data messages to conn.
func (s *Server) startWriter(conn *websocket.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.forget(cl)
			s.totalDisconnected.Add(1)
			logger.Info("viewer_disconnected")
		}()
		ping := time.NewTicker(s.pingInterval)
		defer ping.Stop()
		write := func(kind int, p []byte) error {
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(kind, p); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Debug("viewer_write_error", "error", err)
				return wrap
			}
			return nil
		}
		for {
			select {
			case p := <-cl.Out:
				if err := write(websocket.BinaryMessage, p); err != nil {
					return
				}
				metrics.AddViewerTx(1)
			case <-ping.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-cl.Closed:
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
				return
			}
		}
	}()
}

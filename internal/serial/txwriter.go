package serial

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/kstaniek/go-mirror-server/internal/logging"
	"github.com/kstaniek/go-mirror-server/internal/metrics"
	"github.com/kstaniek/go-mirror-server/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all command writes to the device through one goroutine.
type TXWriter struct{ base *transport.AsyncTx[[]byte] }

// NewTXWriter creates a TXWriter with a queue of buf commands.
func NewTXWriter(parent context.Context, w io.Writer, buf int) *TXWriter {
	send := func(cmd []byte) error {
		_, err := w.Write(cmd)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrLinkWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncCommandSent() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTxOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// Send queues a command (drops with ErrTxOverflow if the queue is full).
func (w *TXWriter) Send(cmd []byte) error { return w.base.Send(cmd) }

// Drain waits up to timeout for queued commands to be written.
func (w *TXWriter) Drain(timeout time.Duration) bool { return w.base.Drain(timeout) }

// Close stops the writer and waits for its goroutine to exit.
func (w *TXWriter) Close() { w.base.Close() }

package viewer

import (
	"errors"

	"github.com/kstaniek/go-mirror-server/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrUpgrade   = errors.New("upgrade")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrInput     = errors.New("input")
	ErrContext   = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrViewerRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrViewerWrite
	case errors.Is(err, ErrUpgrade):
		return metrics.ErrViewerUpgrade
	case errors.Is(err, ErrInput):
		return metrics.ErrViewerInput
	case errors.Is(err, ErrListen):
		return metrics.ErrViewerRead
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-mirror-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"link_up", snap.LinkUp,
		"ingest_bytes", snap.IngestBytes,
		"ingest_overflows", snap.IngestOverflows,
		"ingest_high_water", snap.IngestHighWater,
		"messages", snap.Messages,
		"desyncs", snap.Desyncs,
		"malformed", snap.Malformed,
		"frames", snap.Frames,
		"audio_bytes", snap.AudioBytes,
		"audio_underruns", snap.AudioUnderruns,
		"device_dropped", snap.DeviceDropped,
		"commands", snap.CommandsSent,
		"viewers", snap.HubClients,
		"viewer_tx", snap.ViewerTx,
		"hub_drops", snap.HubDrops,
		"errors", snap.Errors,
	)
}

package viewer

import (
	"context"
	"time"

	"github.com/kstaniek/go-mirror-server/internal/audio"
	"github.com/kstaniek/go-mirror-server/internal/hub"
)

// AudioSource is the consumer side of the audio buffer.
type AudioSource interface {
	Idle() bool
	Pull(p []byte) int
}

// AudioPeriod is the audio pump interval; one period is 882 stereo frames.
const AudioPeriod = 20 * time.Millisecond

// PeriodBytes is the size of one pumped audio chunk.
const PeriodBytes = audio.SampleRate * int(AudioPeriod/time.Millisecond) / 1000 * audio.OutFrameBytes

// RunAudioPump pulls one period of audio from src every AudioPeriod and
// broadcasts it until ctx is done. Nothing is sent while src is idle.
func RunAudioPump(ctx context.Context, src AudioSource, h *hub.Hub) {
	t := time.NewTicker(AudioPeriod)
	defer t.Stop()
	buf := make([]byte, PeriodBytes)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pumpOnce(src, h, buf)
		}
	}
}

func pumpOnce(src AudioSource, h *hub.Hub, buf []byte) bool {
	if src.Idle() || h.Count() == 0 {
		// keep the read side moving while nobody listens
		src.Pull(buf)
		return false
	}
	n := src.Pull(buf)
	h.Broadcast(EncodeAudio(buf[:n]))
	return true
}

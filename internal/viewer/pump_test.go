package viewer

import (
	"testing"

	"github.com/kstaniek/go-mirror-server/internal/audio"
	"github.com/kstaniek/go-mirror-server/internal/hub"
)

func TestPumpSkipsIdleAudio(t *testing.T) {
	ab, err := audio.New(audio.DefaultCapacity, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := hub.New()
	cl := hub.NewClient(4)
	_ = h.Add(cl)
	defer h.Remove(cl)

	buf := make([]byte, PeriodBytes)
	if pumpOnce(ab, h, buf) {
		t.Fatal("idle audio was broadcast")
	}
	if len(cl.Out) != 0 {
		t.Fatal("packet queued while idle")
	}
}

func TestPumpBroadcastsPeriod(t *testing.T) {
	ab, err := audio.New(audio.DefaultCapacity, nil)
	if err != nil {
		t.Fatal(err)
	}
	pcm := make([]byte, PeriodBytes)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	ab.AddSamples(pcm)

	h := hub.New()
	cl := hub.NewClient(4)
	_ = h.Add(cl)
	defer h.Remove(cl)

	if !pumpOnce(ab, h, make([]byte, PeriodBytes)) {
		t.Fatal("audio not broadcast")
	}
	p := <-cl.Out
	if p[0] != KindAudio || p[1] != 2 || len(p) != 2+PeriodBytes {
		t.Fatalf("packet header % x len %d", p[:2], len(p))
	}
	if p[2+100] != pcm[100] {
		t.Fatal("pcm mismatch")
	}
	if PeriodBytes != 882*audio.OutFrameBytes {
		t.Fatalf("PeriodBytes = %d", PeriodBytes)
	}
}

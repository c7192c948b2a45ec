package audio

import (
	"bytes"
	"errors"
	"testing"
)

func newBuffer(t *testing.T, capacity int) (*Buffer, *int) {
	t.Helper()
	resumes := 0
	b, err := New(capacity, func() { resumes++ })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, &resumes
}

func allZero(p []byte) bool {
	for _, v := range p {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestPullStartsSilent(t *testing.T) {
	b, _ := newBuffer(t, 1024)
	if !b.Idle() {
		t.Fatal("new buffer should be idle")
	}
	p := bytes.Repeat([]byte{0xFF}, 64)
	if n := b.Pull(p); n != 64 || !allZero(p) {
		t.Fatalf("pull n=%d zero=%v", n, allZero(p))
	}
}

func TestStereoSamplesRoundTrip(t *testing.T) {
	b, resumes := newBuffer(t, 1024)
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if n := b.AddSamples(in); n != len(in) {
		t.Fatalf("AddSamples=%d", n)
	}
	if *resumes != 1 || !b.Running() {
		t.Fatalf("resume not signalled: %d", *resumes)
	}
	b.AddSamples(in)
	if *resumes != 1 {
		t.Fatalf("resume signalled twice")
	}
	out := make([]byte, 8)
	b.Pull(out)
	if !bytes.Equal(out, in) {
		t.Fatalf("pull=% X want % X", out, in)
	}
}

func TestMonoIsDuplicated(t *testing.T) {
	b, _ := newBuffer(t, 1024)
	if ok, err := b.SetChannels(1); err != nil || !ok {
		t.Fatalf("SetChannels: ok=%v err=%v", ok, err)
	}
	b.AddSamples([]byte{0x11, 0x22, 0x33, 0x44})
	out := make([]byte, 8)
	b.Pull(out)
	want := []byte{0x11, 0x22, 0x11, 0x22, 0x33, 0x44, 0x33, 0x44}
	if !bytes.Equal(out, want) {
		t.Fatalf("pull=% X want % X", out, want)
	}
}

func TestUnderrunReturnsSilenceWithoutConsuming(t *testing.T) {
	b, _ := newBuffer(t, 1024)
	b.AddSamples([]byte{9, 9, 9, 9})
	out := bytes.Repeat([]byte{0xEE}, 16)
	b.Pull(out)
	if !allZero(out) {
		t.Fatalf("underrun output not silent: % X", out)
	}
	if b.Available() != 4 {
		t.Fatalf("underrun consumed data: avail=%d", b.Available())
	}
}

func TestLongSilenceHidesStaleData(t *testing.T) {
	b, _ := newBuffer(t, 256)
	b.AddSamples(bytes.Repeat([]byte{0x7F}, 128))
	// more than a full buffer of silence
	b.AddSilence(256)
	if !b.Idle() {
		t.Fatal("buffer should be idle after a long silence")
	}
	for i := 0; i < 4; i++ {
		out := bytes.Repeat([]byte{0xAA}, 64)
		b.Pull(out)
		if !allZero(out) {
			t.Fatalf("pull %d returned stale data: % X", i, out)
		}
	}
	// cheap path keeps accounting without writing
	b.AddSilence(16)
	out := make([]byte, 64)
	b.Pull(out)
	if !allZero(out) {
		t.Fatal("silence fast path leaked data")
	}
}

func TestShortSilenceWritesZeros(t *testing.T) {
	b, _ := newBuffer(t, 1024)
	b.AddSamples([]byte{1, 1, 1, 1})
	b.AddSilence(2)
	if b.Available() != 12 {
		t.Fatalf("avail=%d want 12", b.Available())
	}
	out := make([]byte, 12)
	b.Pull(out)
	if !bytes.Equal(out, []byte{1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("pull=% X", out)
	}
}

func TestOverflowClamps(t *testing.T) {
	b, _ := newBuffer(t, 64)
	n := b.AddSamples(make([]byte, 100))
	if n != 60 {
		t.Fatalf("AddSamples=%d want 60", n)
	}
}

func TestStopResets(t *testing.T) {
	b, _ := newBuffer(t, 256)
	b.AddSamples(bytes.Repeat([]byte{5}, 32))
	b.Stop()
	if b.Running() || !b.Idle() || b.Available() != 0 {
		t.Fatalf("after stop: running=%v idle=%v avail=%d", b.Running(), b.Idle(), b.Available())
	}
}

func TestSetChannelsDeferred(t *testing.T) {
	b, _ := newBuffer(t, 256)
	b.AddSamples([]byte{1, 2, 3, 4})
	ok, err := b.SetChannels(1)
	if err != nil || ok {
		t.Fatalf("expected deferred alignment: ok=%v err=%v", ok, err)
	}
	if _, err := b.SetChannels(3); !errors.Is(err, ErrChannels) {
		t.Fatalf("expected ErrChannels, got %v", err)
	}
}

func TestResumeAfterIdleSilencePlaysNoStalePCM(t *testing.T) {
	b, _ := newBuffer(t, 256)
	b.AddSamples(bytes.Repeat([]byte{0x7F}, 256))
	// the ring is full, so none of these zeros fit
	b.AddSilence(64)
	if !b.Idle() {
		t.Fatal("expected idle after a buffer's worth of silence")
	}
	b.Pull(make([]byte, 64))
	b.AddSilence(10)
	b.AddSamples(bytes.Repeat([]byte{0x11}, 4))

	out := make([]byte, 44)
	if n := b.Pull(out); n != 44 {
		t.Fatalf("Pull=%d", n)
	}
	want := append(make([]byte, 40), 0x11, 0x11, 0x11, 0x11)
	if !bytes.Equal(out, want) {
		t.Fatalf("pull=% X want % X", out, want)
	}
}

func TestSetChannelsKeepsQueuedStereo(t *testing.T) {
	b, _ := newBuffer(t, 256)
	stereo := []byte{1, 1, 2, 2, 1, 1, 2, 2}
	b.AddSamples(stereo)
	if ok, err := b.SetChannels(1); err != nil || ok {
		t.Fatalf("SetChannels: ok=%v err=%v", ok, err)
	}
	if b.Channels() != 2 {
		t.Fatalf("channels switched with data queued: %d", b.Channels())
	}
	out := make([]byte, 8)
	b.Pull(out)
	if !bytes.Equal(out, stereo) {
		t.Fatalf("pull=% X want % X", out, stereo)
	}

	// the drained queue lets the next write switch to mono
	b.AddSamples([]byte{0x11, 0x22})
	if b.Channels() != 1 {
		t.Fatalf("channels=%d want 1", b.Channels())
	}
	out = make([]byte, 4)
	b.Pull(out)
	if !bytes.Equal(out, []byte{0x11, 0x22, 0x11, 0x22}) {
		t.Fatalf("pull=% X", out)
	}
}

func TestStopAppliesDeferredChannels(t *testing.T) {
	b, _ := newBuffer(t, 256)
	b.AddSamples([]byte{1, 2, 3, 4})
	b.SetChannels(1)
	b.Stop()
	if b.Channels() != 1 || !b.Idle() {
		t.Fatalf("after stop: channels=%d idle=%v", b.Channels(), b.Idle())
	}
}

func TestSetChannelsCancelsPendingSwitch(t *testing.T) {
	b, _ := newBuffer(t, 256)
	b.AddSamples([]byte{1, 2, 3, 4})
	b.SetChannels(1)
	if ok, err := b.SetChannels(2); err != nil || !ok {
		t.Fatalf("SetChannels(2): ok=%v err=%v", ok, err)
	}
	b.Stop()
	if b.Channels() != 2 {
		t.Fatalf("channels=%d want 2", b.Channels())
	}
	b.AddSamples([]byte{1, 2, 3, 4})
	if b.Available() != 4 {
		t.Fatalf("avail=%d want 4", b.Available())
	}
}

func TestMonoIdleThresholdIsLonger(t *testing.T) {
	b, _ := newBuffer(t, 256)
	b.SetChannels(1)
	b.AddSamples([]byte{1, 1})
	// a stereo buffer of 256 bytes idles after 64 frames, mono after 128
	b.AddSilence(64)
	if b.Idle() {
		t.Fatal("mono buffer idle after 64 frames")
	}
	b.AddSilence(64)
	if !b.Idle() {
		t.Fatal("mono buffer not idle after 128 frames")
	}
}

// Package audio buffers PCM received from the device for a real-time sink.
//
// The decoder is the only producer (AddSamples, AddSilence, SetChannels) and
// the sink callback is the only consumer (Pull). Output handed to the sink is
// always interleaved stereo s16le; mono input is duplicated on the way out.
package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mirror-server/internal/metrics"
	"github.com/kstaniek/go-mirror-server/internal/ring"
)

const (
	// SampleRate is the device PCM rate in Hz.
	SampleRate = 44100
	// DefaultCapacity is the backing size of the buffer in bytes.
	DefaultCapacity = 32768
	// OutFrameBytes is the size of one stereo s16 output frame.
	OutFrameBytes = 4

	bytesPerSample = 2
)

// ErrChannels is returned for a channel count other than 1 or 2.
var ErrChannels = errors.New("audio: channels must be 1 or 2")

// Buffer is a ring of device-format PCM frames with a silence policy.
type Buffer struct {
	rb       *ring.Buffer
	channels atomic.Int32
	pending  atomic.Int32 // channel count to apply once the queue is empty, 0 if none
	silent   atomic.Int64 // sample frames of silence since the last real data
	running  atomic.Bool
	onResume func()
	cmu      sync.Mutex // serializes Pull, Stop and format switches
}

// New returns a stereo buffer of the given capacity. onResume, if non-nil, is
// called from the producer when samples arrive while playback is paused.
func New(capacity int, onResume func()) (*Buffer, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	rb, err := ring.New(capacity, OutFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	b := &Buffer{rb: rb, onResume: onResume}
	b.channels.Store(2)
	b.silent.Store(b.idleFrames())
	return b, nil
}

// Channels returns the current input channel count.
func (b *Buffer) Channels() int { return int(b.channels.Load()) }

func (b *Buffer) frameBytes() int { return bytesPerSample * b.Channels() }

// threshold is the duration of a full buffer of input in sample frames, so
// mono input runs twice as many frames as stereo before going idle.
func (b *Buffer) threshold() int64 { return int64(b.rb.Cap() / b.frameBytes()) }

// idleFrames is a silence count that is idle for either channel count.
func (b *Buffer) idleFrames() int64 { return int64(b.rb.Cap() / bytesPerSample) }

// SetChannels switches the input format. Queued frames keep the format they
// were written in: with data still queued the switch waits until the queue
// drains or the next Stop. The returned bool reports whether it took effect
// immediately. Producer side only.
func (b *Buffer) SetChannels(n int) (bool, error) {
	if n != 1 && n != 2 {
		return false, fmt.Errorf("%w: %d", ErrChannels, n)
	}
	b.cmu.Lock()
	defer b.cmu.Unlock()
	if int(b.channels.Load()) == n {
		// cancels a switch still waiting for the queue to drain
		b.pending.Store(0)
		_, err := b.rb.SetAlignment(bytesPerSample * n)
		return true, err
	}
	b.pending.Store(int32(n))
	return b.applyPendingLocked(), nil
}

// applyPending switches to a deferred channel count once the queue is empty.
func (b *Buffer) applyPending() {
	if b.pending.Load() == 0 {
		return
	}
	b.cmu.Lock()
	b.applyPendingLocked()
	b.cmu.Unlock()
}

func (b *Buffer) applyPendingLocked() bool {
	n := int(b.pending.Load())
	if n == 0 {
		return true
	}
	applied, err := b.rb.SetAlignment(bytesPerSample * n)
	if err != nil || !applied {
		return false
	}
	b.channels.Store(int32(n))
	b.pending.Store(0)
	return true
}

// Idle reports whether the buffer has been silent for at least one full
// buffer duration. Pull returns zeros while idle.
func (b *Buffer) Idle() bool { return b.silent.Load() >= b.threshold() }

// Running reports whether playback has been resumed since the last Stop.
func (b *Buffer) Running() bool { return b.running.Load() }

// Available returns the number of queued input bytes.
func (b *Buffer) Available() int { return b.rb.Available() }

// AddSamples queues PCM bytes in the current input format. Bytes that do not
// fit are discarded and counted. Producer side only.
func (b *Buffer) AddSamples(pcm []byte) int {
	b.applyPending()
	b.silent.Store(0)
	fb := b.frameBytes()
	n := len(pcm) - len(pcm)%fb
	if free := b.rb.Free(); n > free {
		metrics.AddAudioOverflow(n - free)
		n = free - free%fb
	}
	written := b.rb.Push(pcm[:n])
	metrics.AddAudio(written)
	if b.running.CompareAndSwap(false, true) && b.onResume != nil {
		b.onResume()
	}
	return written
}

var zeros [256]byte

// AddSilence accounts for samples the device chose not to send. Until the
// buffer has been silent for a full duration, explicit zero frames are
// pushed so the playback position stays correct. After that the skipped span
// is cleared in place and the write cursor moved over it. Producer side only.
func (b *Buffer) AddSilence(samples int) {
	if samples <= 0 {
		return
	}
	b.applyPending()
	fb := b.frameBytes()
	want := samples * fb
	if !b.Idle() {
		for want > 0 {
			n := b.rb.Push(zeros[:min(want, len(zeros))])
			if n == 0 {
				break
			}
			want -= n
		}
	} else {
		n := min(want, b.rb.Free())
		n -= n % fb
		for n > 0 {
			r := b.rb.WriteRegion()
			k := min(n, len(r))
			if k == 0 {
				break
			}
			clear(r[:k])
			b.rb.AdvanceWrite(k)
			n -= k
		}
	}
	b.silent.Add(int64(samples))
}

// Pull fills p with stereo s16le output and returns the bytes written, which
// is len(p) rounded down to a whole output frame. When the buffer is idle, or
// holds less than requested, p is zero-filled. Consumer side only.
func (b *Buffer) Pull(p []byte) int {
	b.cmu.Lock()
	defer b.cmu.Unlock()
	p = p[:len(p)-len(p)%OutFrameBytes]
	frames := len(p) / OutFrameBytes
	ch := b.Channels()
	need := frames * bytesPerSample * ch

	if b.Idle() {
		clear(p)
		// Nothing queued before the idle point may play once samples resume.
		b.rb.AdvanceRead(b.rb.Available())
		return len(p)
	}
	if b.rb.Available() < need {
		clear(p)
		metrics.IncAudioUnderrun()
		return len(p)
	}
	if ch == 2 {
		b.rb.Pop(p)
		return len(p)
	}
	var s [bytesPerSample]byte
	for i := 0; i < frames; i++ {
		b.rb.Pop(s[:])
		o := p[i*OutFrameBytes:]
		o[0], o[1], o[2], o[3] = s[0], s[1], s[0], s[1]
	}
	return len(p)
}

// Stop pauses playback, drops queued audio and applies a deferred channel
// switch. The producer must not be active during Stop; a concurrent Pull
// waits.
func (b *Buffer) Stop() {
	b.cmu.Lock()
	defer b.cmu.Unlock()
	b.running.Store(false)
	b.rb.Reset()
	if n := b.pending.Swap(0); n != 0 {
		b.channels.Store(n)
	}
	b.silent.Store(b.idleFrames())
}

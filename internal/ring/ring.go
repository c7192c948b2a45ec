package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInvalidSize is returned when a buffer cannot hold even one aligned unit.
var ErrInvalidSize = errors.New("ring: invalid size")

// ErrAlignment is returned when an alignment does not divide the capacity.
var ErrAlignment = errors.New("ring: invalid alignment")

// Buffer is a fixed-capacity single-producer/single-consumer byte queue.
//
// The producer owns the write cursor (Push, WriteRegion, AdvanceWrite) and the
// consumer owns the read cursor (Pop, ReadRegion, AdvanceRead). Each side
// stores only its own cursor and loads the other one, so the two sides may run
// on different goroutines without a lock. One alignment unit is always kept
// free, so a full buffer never looks empty.
type Buffer struct {
	buf     []byte
	align   atomic.Uint32
	pending atomic.Uint32 // alignment to apply on the next Reset, 0 if none
	in      atomic.Uint32 // written by the producer only
	out     atomic.Uint32 // written by the consumer only
}

// New allocates a buffer of at least capacity bytes, rounded up to a multiple
// of align.
func New(capacity, align int) (*Buffer, error) {
	if align <= 0 || capacity <= align {
		return nil, fmt.Errorf("%w: capacity=%d align=%d", ErrInvalidSize, capacity, align)
	}
	if rem := capacity % align; rem != 0 {
		capacity += align - rem
	}
	b := &Buffer{buf: make([]byte, capacity)}
	b.align.Store(uint32(align))
	return b, nil
}

// Cap returns the size of the backing storage in bytes.
func (b *Buffer) Cap() int { return len(b.buf) }

// Align returns the current alignment unit.
func (b *Buffer) Align() int { return int(b.align.Load()) }

// Available returns the number of bytes ready to be read.
func (b *Buffer) Available() int {
	in := int(b.in.Load())
	out := int(b.out.Load())
	if out <= in {
		return in - out
	}
	return len(b.buf) - out + in
}

// Free returns the number of bytes that can be written without violating the
// reserved gap.
func (b *Buffer) Free() int {
	free := len(b.buf) - b.Align() - b.Available()
	if free < 0 {
		return 0
	}
	return free
}

// WriteRegion returns the contiguous writable slice starting at the write
// cursor. Producer side only.
func (b *Buffer) WriteRegion() []byte {
	in := int(b.in.Load())
	n := min(len(b.buf)-in, b.Free())
	return b.buf[in : in+n]
}

// AdvanceWrite publishes n bytes written into the buffer. The advance may
// cross the wrap point; it is clamped to Free. Producer side only.
func (b *Buffer) AdvanceWrite(n int) int {
	n = min(max(n, 0), b.Free())
	if n == 0 {
		return 0
	}
	in := (int(b.in.Load()) + n) % len(b.buf)
	b.in.Store(uint32(in))
	return n
}

// ReadRegion returns the contiguous readable slice starting at the read
// cursor. Consumer side only.
func (b *Buffer) ReadRegion() []byte {
	out := int(b.out.Load())
	n := min(len(b.buf)-out, b.Available())
	return b.buf[out : out+n]
}

// AdvanceRead releases n consumed bytes, clamped to Available. Consumer side only.
func (b *Buffer) AdvanceRead(n int) int {
	n = min(max(n, 0), b.Available())
	if n == 0 {
		return 0
	}
	out := (int(b.out.Load()) + n) % len(b.buf)
	b.out.Store(uint32(out))
	return n
}

// Push copies as much of p as fits and returns the number of bytes accepted.
// It never blocks; retrying the remainder is up to the caller.
func (b *Buffer) Push(p []byte) int {
	var total int
	for i := 0; i < 2 && len(p) > 0; i++ {
		n := copy(b.WriteRegion(), p)
		if n == 0 {
			break
		}
		b.AdvanceWrite(n)
		p = p[n:]
		total += n
	}
	return total
}

// Pop copies up to len(p) buffered bytes into p and returns the count.
func (b *Buffer) Pop(p []byte) int {
	var total int
	for i := 0; i < 2 && len(p) > 0; i++ {
		n := copy(p, b.ReadRegion())
		if n == 0 {
			break
		}
		b.AdvanceRead(n)
		p = p[n:]
		total += n
	}
	return total
}

// Reset zeroes both cursors and applies any deferred alignment change. The
// backing storage is kept. Callers must make sure neither side is active.
func (b *Buffer) Reset() {
	b.in.Store(0)
	b.out.Store(0)
	if a := b.pending.Swap(0); a != 0 {
		b.align.Store(a)
	}
}

// SetAlignment changes the alignment unit. The change is applied immediately
// when the buffer is empty and deferred to the next Reset otherwise; the
// returned bool reports whether it took effect now.
func (b *Buffer) SetAlignment(align int) (bool, error) {
	if align <= 0 || align >= len(b.buf) || len(b.buf)%align != 0 {
		return false, fmt.Errorf("%w: %d for capacity %d", ErrAlignment, align, len(b.buf))
	}
	if b.Available() == 0 {
		b.pending.Store(0)
		b.align.Store(uint32(align))
		return true, nil
	}
	b.pending.Store(uint32(align))
	return false, nil
}

package ring

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"testing"
)

func mustNew(t testing.TB, capacity, align int) *Buffer {
	t.Helper()
	b, err := New(capacity, align)
	if err != nil {
		t.Fatalf("New(%d,%d): %v", capacity, align, err)
	}
	return b
}

func TestNewRoundsCapacity(t *testing.T) {
	b := mustNew(t, 10, 4)
	if b.Cap() != 12 {
		t.Fatalf("cap=%d want 12", b.Cap())
	}
	if _, err := New(4, 4); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
	if _, err := New(16, 0); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize for zero align, got %v", err)
	}
}

func TestPushPopPreservesOrder(t *testing.T) {
	const capacity = 64
	b := mustNew(t, capacity, 1)
	rng := rand.New(rand.NewSource(1))
	var want, got bytes.Buffer
	next := byte(0)
	for iter := 0; iter < 2000; iter++ {
		// push a random chunk that never exceeds the usable capacity
		n := rng.Intn(b.Free() + 1)
		chunk := make([]byte, n)
		for i := range chunk {
			chunk[i] = next
			next++
		}
		if acc := b.Push(chunk); acc != n {
			t.Fatalf("iter %d: push accepted %d want %d", iter, acc, n)
		}
		want.Write(chunk)
		out := make([]byte, rng.Intn(capacity))
		m := b.Pop(out)
		got.Write(out[:m])
	}
	rest := make([]byte, capacity)
	m := b.Pop(rest)
	got.Write(rest[:m])
	if !bytes.Equal(want.Bytes(), got.Bytes()) {
		t.Fatalf("byte stream mismatch: pushed %d popped %d", want.Len(), got.Len())
	}
}

func TestFullBufferKeepsGap(t *testing.T) {
	b := mustNew(t, 16, 1)
	data := bytes.Repeat([]byte{0xAB}, 32)
	if n := b.Push(data); n != 15 {
		t.Fatalf("push accepted %d want 15", n)
	}
	if b.Free() != 0 || b.Available() != 15 {
		t.Fatalf("free=%d avail=%d", b.Free(), b.Available())
	}
	if n := b.Push([]byte{1}); n != 0 {
		t.Fatalf("push on full buffer accepted %d", n)
	}
	out := make([]byte, 4)
	if n := b.Pop(out); n != 4 {
		t.Fatalf("pop=%d", n)
	}
	if n := b.Push(data); n != 4 {
		t.Fatalf("push after pop accepted %d want 4", n)
	}
}

func TestPopEmptyReturnsZero(t *testing.T) {
	b := mustNew(t, 16, 1)
	if n := b.Pop(make([]byte, 8)); n != 0 {
		t.Fatalf("pop on empty returned %d", n)
	}
}

func TestResetDropsData(t *testing.T) {
	b := mustNew(t, 32, 1)
	b.Push([]byte("hello world"))
	b.Pop(make([]byte, 3))
	b.Reset()
	if b.Available() != 0 {
		t.Fatalf("available after reset = %d", b.Available())
	}
	if n := b.Pop(make([]byte, 8)); n != 0 {
		t.Fatalf("pop after reset returned %d", n)
	}
	if b.Free() != b.Cap()-1 {
		t.Fatalf("free after reset = %d", b.Free())
	}
}

func TestRegionsWrap(t *testing.T) {
	b := mustNew(t, 8, 1)
	b.Push([]byte{0, 1, 2, 3, 4, 5})
	b.AdvanceRead(5)
	// in=6 out=5: contiguous write is up to the end of storage
	if r := b.WriteRegion(); len(r) != 2 {
		t.Fatalf("write region len=%d want 2", len(r))
	}
	if n := b.Push([]byte{6, 7, 8, 9}); n != 4 {
		t.Fatalf("push across wrap accepted %d", n)
	}
	if r := b.ReadRegion(); len(r) != 3 || r[0] != 5 {
		t.Fatalf("read region=% X", r)
	}
	b.AdvanceRead(3)
	if r := b.ReadRegion(); !bytes.Equal(r, []byte{8, 9}) {
		t.Fatalf("read region after wrap=% X", r)
	}
}

func TestAdvanceClamps(t *testing.T) {
	b := mustNew(t, 8, 1)
	if n := b.AdvanceRead(3); n != 0 {
		t.Fatalf("advance read on empty = %d", n)
	}
	if n := b.AdvanceWrite(100); n != 7 {
		t.Fatalf("advance write clamp = %d want 7", n)
	}
}

func TestSetAlignmentDeferredUntilReset(t *testing.T) {
	b := mustNew(t, 32, 2)
	if ok, err := b.SetAlignment(4); err != nil || !ok {
		t.Fatalf("empty buffer: ok=%v err=%v", ok, err)
	}
	b.Push([]byte{1, 2, 3, 4})
	ok, err := b.SetAlignment(2)
	if err != nil || ok {
		t.Fatalf("non-empty buffer: ok=%v err=%v", ok, err)
	}
	if b.Align() != 4 {
		t.Fatalf("align changed early: %d", b.Align())
	}
	b.Reset()
	if b.Align() != 2 {
		t.Fatalf("align after reset = %d", b.Align())
	}
	if _, err := b.SetAlignment(5); !errors.Is(err, ErrAlignment) {
		t.Fatalf("expected ErrAlignment, got %v", err)
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	b := mustNew(t, 257, 1)
	const total = 200_000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var seq byte
		chunk := make([]byte, 97)
		sent := 0
		for sent < total {
			n := min(len(chunk), total-sent)
			for i := 0; i < n; i++ {
				chunk[i] = seq + byte(i)
			}
			acc := b.Push(chunk[:n])
			seq += byte(acc)
			sent += acc
		}
	}()
	var expect byte
	got := 0
	buf := make([]byte, 64)
	for got < total {
		n := b.Pop(buf)
		for i := 0; i < n; i++ {
			if buf[i] != expect {
				t.Fatalf("byte %d: got %d want %d", got+i, buf[i], expect)
			}
			expect++
		}
		got += n
	}
	wg.Wait()
}

func BenchmarkPushPop(b *testing.B) {
	r := mustNew(b, 65536, 1)
	chunk := make([]byte, 4096)
	out := make([]byte, 4096)
	b.SetBytes(int64(len(chunk)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r.Push(chunk)
		r.Pop(out)
	}
}

package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

// TestAsyncTxSuccess verifies commands are sent and hooks fire.
func TestAsyncTxSuccess(t *testing.T) {
	var sent atomic.Int64
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(b []byte) error {
		sent.Add(1)
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.Send([]byte("stream poke\r\n")); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && sent.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", sent.Load(), after.Load())
	}
}

// TestAsyncTxPreservesOrder checks the single worker keeps enqueue order.
func TestAsyncTxPreservesOrder(t *testing.T) {
	got := make(chan int, 16)
	ax := NewAsyncTx(context.Background(), 16, func(v int) error { got <- v; return nil }, Hooks{})
	defer ax.Close()
	for i := 0; i < 10; i++ {
		_ = ax.Send(i)
	}
	for i := 0; i < 10; i++ {
		select {
		case v := <-got:
			if v != i {
				t.Fatalf("position %d got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

// TestAsyncTxOverflow ensures OnDrop is invoked when buffer full.
func TestAsyncTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	ax := NewAsyncTx(ctx, 1, func([]byte) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(release)
	// First item is picked up by the worker, which then blocks.
	if err := ax.Send([]byte{1}); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	<-started
	// Second fills the buffer, third overflows.
	if err := ax.Send([]byte{2}); err != nil {
		t.Fatalf("unexpected error enqueue second: %v", err)
	}
	if err := ax.Send([]byte{3}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
	if ax.Pending() != 2 {
		t.Fatalf("pending=%d want 2", ax.Pending())
	}
}

// TestAsyncTxSendError triggers OnError hook.
func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func([]byte) error { return errSendFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.Send([]byte{0})
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestAsyncTxDrain(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 8, func([]byte) error {
		time.Sleep(2 * time.Millisecond)
		sent.Add(1)
		return nil
	}, Hooks{})
	defer ax.Close()
	for i := 0; i < 5; i++ {
		_ = ax.Send([]byte{byte(i)})
	}
	if !ax.Drain(time.Second) {
		t.Fatal("drain timed out")
	}
	if sent.Load() != 5 || ax.Pending() != 0 {
		t.Fatalf("sent=%d pending=%d", sent.Load(), ax.Pending())
	}
}

// TestAsyncTxClose stops processing further items.
func TestAsyncTxClose(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func([]byte) error { sent.Add(1); return nil }, Hooks{})
	_ = ax.Send([]byte{0})
	ax.Close()
	countAfterClose := sent.Load()
	_ = ax.Send([]byte{1})
	time.Sleep(50 * time.Millisecond)
	if sent.Load() != countAfterClose {
		t.Fatalf("item processed after close: before=%d after=%d", countAfterClose, sent.Load())
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tx := NewAsyncTx(ctx, 2, func([]byte) error { return nil }, Hooks{})
	tx.Close()
	if err := tx.Send([]byte("x")); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func([]byte) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.Send([]byte{0})
		}()
		time.Sleep(1 * time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}

package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncTx funnels writes of T through a single goroutine (fan-in). Send never
// blocks: if the buffer is full it invokes the OnDrop hook and returns its
// error. Producers therefore never stall behind a slow or wedged link.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.Send(cmd)
//	a.Drain(50 * time.Millisecond) // optional
//	a.Close()
//
// Send after Close returns ErrAsyncTxClosed.
type AsyncTx[T any] struct {
	mu       sync.Mutex
	ch       chan T
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	send     func(T) error
	hooks    Hooks
	closed   atomic.Bool
	inflight atomic.Int32 // accepted by Send, not yet finished by the worker
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (item not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Send. If nil, the overflow is silent (best-effort fire-and-forget).
	OnDrop func() error
}

// ErrAsyncTxClosed is returned by Send after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks) *AsyncTx[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case item, ok := <-a.ch:
			if !ok {
				return
			}
			err := a.send(item)
			a.inflight.Add(-1)
			if err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues an item for asynchronous transmission or returns the drop
// error if the buffer is full.
func (a *AsyncTx[T]) Send(item T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.inflight.Add(1)
	select {
	case a.ch <- item:
		return nil
	default:
		a.inflight.Add(-1)
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Pending returns the number of accepted items whose send has not finished.
func (a *AsyncTx[T]) Pending() int { return int(a.inflight.Load()) }

// Drain waits until the queue is empty or timeout elapses and reports
// whether it emptied.
func (a *AsyncTx[T]) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for a.Pending() > 0 {
		if a.closed.Load() || time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// Close stops the worker and waits for it to exit. Queued items are discarded.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	// Cancel first, then close the channel under the send lock so a racing
	// Send cannot write to a closed channel.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}

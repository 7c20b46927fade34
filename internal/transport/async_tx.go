// Package transport provides AsyncTx, a reusable single-goroutine
// asynchronous sender generalized from the teacher's CAN-frame-specific
// async_tx.go into any payload type T, so it backs non-frame-shaped
// fire-and-forget writes such as internal/inputdevice's outbound
// rumble/force-feedback commands.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx funnels writes of T through a single goroutine (fan-in). It
// provides non-blocking enqueue semantics: if the internal buffer is
// full, SendFrame invokes the configured OnDrop hook and returns its
// error (usually an overflow sentinel). This keeps producers from
// blocking behind a slow or wedged device/backend.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(value)
//	a.Close()
//
// After Close returns no more values will be processed: the worker has
// exited, the channel is closed, and further SendFrame calls return
// ErrAsyncTxClosed without enqueuing anything.
type AsyncTx[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(T) error
	hooks  Hooks[T]
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize AsyncTx behavior.
type Hooks[T any] struct {
	// OnError is called when send returns a non-nil error (value not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is
	// returned from SendFrame. If nil, the overflow is silent
	// (best-effort fire-and-forget).
	OnDrop func() error
}

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks[T]) *AsyncTx[T] {
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
		case v, ok := <-a.ch:
			if !ok { // channel closed
				return
			}
			if err := a.send(v); err != nil {
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

// ErrAsyncTxClosed is returned by SendFrame after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// SendFrame queues a value for asynchronous transmission or returns the
// drop error if the buffer is full.
func (a *AsyncTx[T]) SendFrame(v T) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- v:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for all pending operations to finish.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) { // already closed
		return
	}
	// Cancel context to stop loop, then close channel under the send lock to avoid races.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}

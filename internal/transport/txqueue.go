package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-uds-server/internal/can"
)

// ErrTxClosed is returned for sends after Close or while the queue shuts down.
var ErrTxClosed = errors.New("tx queue closed")

// TxQueue funnels frame writes to one device through a single goroutine.
// Enqueue never blocks: when the buffer is full Send invokes the OnDrop hook
// and returns its error. After a successful enqueue Send waits for the device
// write so that transport faults reach the diagnostic exchange that caused them.
//
//	q := NewTxQueue(ctx, buf, writeFn, hooks)
//	err := q.Send(ctx, frame)
//	q.Close()
type TxQueue struct {
	mu     sync.Mutex
	ch     chan txReq
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

type txReq struct {
	fr   can.Frame
	done chan error // buffered(1); worker never blocks on it
}

// Hooks customize TxQueue behavior.
type Hooks struct {
	// OnError is called when the device write fails.
	OnError func(error)
	// OnAfter is called only after a successful write.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Send. If nil, ErrTxOverflow is returned.
	OnDrop func() error
}

// ErrTxOverflow is the default overflow error.
var ErrTxOverflow = errors.New("tx queue overflow")

// NewTxQueue constructs a TxQueue with a buffered channel of size buf.
func NewTxQueue(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *TxQueue {
	if buf <= 0 {
		buf = 1
	}
	ctx, cancel := context.WithCancel(parent)
	q := &TxQueue{
		ch:     make(chan txReq, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *TxQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case req, ok := <-q.ch:
			if !ok {
				return
			}
			err := q.send(req.fr)
			if err != nil {
				if q.hooks.OnError != nil {
					q.hooks.OnError(err)
				}
			} else if q.hooks.OnAfter != nil {
				q.hooks.OnAfter()
			}
			req.done <- err
		case <-q.ctx.Done():
			return
		}
	}
}

// Send queues fr and waits for the write result, ctx cancellation or shutdown.
func (q *TxQueue) Send(ctx context.Context, fr can.Frame) error {
	if q.closed.Load() {
		return ErrTxClosed
	}
	req := txReq{fr: fr, done: make(chan error, 1)}
	q.mu.Lock()
	if q.closed.Load() {
		q.mu.Unlock()
		return ErrTxClosed
	}
	select {
	case q.ch <- req:
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		if q.hooks.OnDrop != nil {
			return q.hooks.OnDrop()
		}
		return ErrTxOverflow
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		// The worker may have completed the write just before shutdown.
		select {
		case err := <-req.done:
			return err
		default:
			return ErrTxClosed
		}
	}
}

// Close stops the worker and waits for it to exit.
func (q *TxQueue) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.cancel()
	q.mu.Lock()
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

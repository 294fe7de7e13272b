package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/cnl"
	"github.com/kstaniek/go-uds-server/internal/hub"
)

// ErrClosed is returned by Bus operations after Close, or when the bus was
// detached underneath the holder (hub kick policy).
var ErrClosed = errors.New("bus closed")

// Bus is one exclusive handle onto the CAN medium.
type Bus interface {
	// Send transmits one frame.
	Send(ctx context.Context, f can.Frame) error
	// Receive waits up to timeout for the next frame. ok is false on timeout.
	Receive(ctx context.Context, timeout time.Duration) (f can.Frame, ok bool, err error)
	// Close releases the handle.
	Close() error
}

// Opener acquires Bus handles.
type Opener interface {
	Open(ctx context.Context) (Bus, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Bus, error)

func (f OpenerFunc) Open(ctx context.Context) (Bus, error) { return f(ctx) }

// SendFunc transmits a frame on the process-wide backend.
type SendFunc func(ctx context.Context, f can.Frame) error

// StreamCodec frames CAN traffic on a byte stream.
type StreamCodec interface {
	Decode(r io.Reader) (can.Frame, error)
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

var _ StreamCodec = (*cnl.Codec)(nil)

// HubOpener hands out buses backed by a hub subscription: every frame the
// backend reads is visible to every open bus, and sends go to the backend.
type HubOpener struct {
	Hub  *hub.Hub
	Send SendFunc
}

// Open subscribes to the hub. It never blocks.
func (o *HubOpener) Open(ctx context.Context) (Bus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.Hub == nil || o.Send == nil {
		return nil, errors.New("hub opener not configured")
	}
	return &hubBus{hub: o.Hub, sub: o.Hub.Subscribe(), send: o.Send, closed: make(chan struct{})}, nil
}

type hubBus struct {
	hub       *hub.Hub
	sub       *hub.Subscriber
	send      SendFunc
	closeOnce sync.Once
	closed    chan struct{}
}

func (b *hubBus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *hubBus) Send(ctx context.Context, f can.Frame) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.send(ctx, f)
}

func (b *hubBus) Receive(ctx context.Context, timeout time.Duration) (can.Frame, bool, error) {
	if b.isClosed() {
		return can.Frame{}, false, ErrClosed
	}
	// Drain already queued frames before honoring a kick.
	select {
	case f := <-b.sub.Out:
		return f, true, nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-b.sub.Out:
		return f, true, nil
	case <-t.C:
		return can.Frame{}, false, nil
	case <-b.sub.Closed:
		return can.Frame{}, false, ErrClosed
	case <-b.closed:
		return can.Frame{}, false, ErrClosed
	case <-ctx.Done():
		return can.Frame{}, false, ctx.Err()
	}
}

func (b *hubBus) Close() error {
	err := ErrClosed
	b.closeOnce.Do(func() {
		close(b.closed)
		b.hub.Unsubscribe(b.sub)
		err = nil
	})
	return err
}

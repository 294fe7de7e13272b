// Package transporttest provides a scripted in-memory Bus for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/transport"
)

// Responder returns the frames an ECU answers with for one sent frame.
type Responder func(sent can.Frame) []can.Frame

// Bus records sent frames and replays scripted replies.
type Bus struct {
	// Respond, when set, is called for every successful Send.
	Respond Responder
	// SendErr fails every Send when non-nil.
	SendErr error
	// CloseErr is returned by the first Close.
	CloseErr error
	// MaxWait caps how long an empty Receive sleeps. Zero sleeps the full timeout.
	MaxWait time.Duration

	mu     sync.Mutex
	sent   []can.Frame
	queue  []can.Frame
	closes int
	opens  int
}

// Queue appends frames to the receive queue.
func (b *Bus) Queue(frames ...can.Frame) {
	b.mu.Lock()
	b.queue = append(b.queue, frames...)
	b.mu.Unlock()
}

func (b *Bus) Send(ctx context.Context, f can.Frame) error {
	b.mu.Lock()
	if b.closes > 0 {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	if b.SendErr != nil {
		b.mu.Unlock()
		return b.SendErr
	}
	b.sent = append(b.sent, f)
	respond := b.Respond
	b.mu.Unlock()
	if respond != nil {
		b.Queue(respond(f)...)
	}
	return nil
}

func (b *Bus) Receive(ctx context.Context, timeout time.Duration) (can.Frame, bool, error) {
	b.mu.Lock()
	if b.closes > 0 {
		b.mu.Unlock()
		return can.Frame{}, false, transport.ErrClosed
	}
	if len(b.queue) > 0 {
		f := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		return f, true, nil
	}
	b.mu.Unlock()
	wait := timeout
	if b.MaxWait > 0 && wait > b.MaxWait {
		wait = b.MaxWait
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return can.Frame{}, false, nil
	case <-ctx.Done():
		return can.Frame{}, false, ctx.Err()
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	if b.closes == 1 {
		return b.CloseErr
	}
	return transport.ErrClosed
}

// Sent returns a copy of every frame sent so far.
func (b *Bus) Sent() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame(nil), b.sent...)
}

// Closes reports how many times Close was called.
func (b *Bus) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// Opens reports how many times the bus was handed out by Opener.
func (b *Bus) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// Opener returns an Opener handing out b. err, when non-nil, fails every Open.
func (b *Bus) Opener(err error) transport.Opener {
	return transport.OpenerFunc(func(ctx context.Context) (transport.Bus, error) {
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.opens++
		b.mu.Unlock()
		return b, nil
	})
}

// Frame builds an extended frame, panicking on oversize payloads.
func Frame(id uint32, payload ...byte) can.Frame {
	f, err := can.New(id, payload)
	if err != nil {
		panic(err)
	}
	return f
}

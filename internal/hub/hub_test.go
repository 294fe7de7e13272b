package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-uds-server/internal/can"
)

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	h.OutBufSize = 4
	s := h.Subscribe()
	defer h.Unsubscribe(s)

	// Don't read from s.Out to simulate a slow session
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.Frame{CANID: 0x123 | can.CAN_EFF_FLAG})
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(s.Out) != cap(s.Out) {
		t.Fatalf("expected subscriber buffer to be full, got len=%d cap=%d", len(s.Out), cap(s.Out))
	}
	select {
	case <-s.Closed:
		t.Fatalf("drop policy must not close the subscriber")
	default:
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := &Subscriber{Out: make(chan can.Frame, 1), Closed: make(chan struct{})}
	fast := &Subscriber{Out: make(chan can.Frame, 16), Closed: make(chan struct{})}
	h.Add(slow)
	h.Add(fast)
	defer h.Unsubscribe(slow)
	defer h.Unsubscribe(fast)

	h.Broadcast(can.Frame{CANID: 0x1 | can.CAN_EFF_FLAG})
	for i := 0; i < 10; i++ {
		h.Broadcast(can.Frame{CANID: 0x2 | can.CAN_EFF_FLAG})
	}

	got := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-fast.Out:
			got++
			if got >= 5 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	if got == 0 {
		t.Fatalf("fast session did not receive any frames while slow was backpressured")
	}
}

func TestHub_KickClosesSlowSubscriber(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	h.OutBufSize = 1
	s := h.Subscribe()
	defer h.Unsubscribe(s)
	h.Broadcast(can.Frame{CANID: 1})
	h.Broadcast(can.Frame{CANID: 2})
	select {
	case <-s.Closed:
	default:
		t.Fatalf("expected kicked subscriber to be closed")
	}
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	h := New()
	s := h.Subscribe()
	if h.Count() != 1 {
		t.Fatalf("count=%d", h.Count())
	}
	h.Unsubscribe(s)
	h.Unsubscribe(s)
	if h.Count() != 0 {
		t.Fatalf("count=%d after unsubscribe", h.Count())
	}
	// Broadcast after detach must not deliver.
	h.Broadcast(can.Frame{CANID: 3})
	if len(s.Out) != 0 {
		t.Fatalf("detached subscriber received a frame")
	}
}

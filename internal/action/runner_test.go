package action

import (
	"context"
	"sync"
	"testing"
	"time"
)

// gatedPublisher holds every publish until release is closed.
type gatedPublisher struct {
	release chan struct{}

	mu     sync.Mutex
	events []string
	ctxErr error
}

func (p *gatedPublisher) Publish(ctx context.Context, event string, _ any) error {
	<-p.release
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.ctxErr = ctx.Err()
	return nil
}

func (p *gatedPublisher) Close() error { return nil }

func TestSlowPublisherDoesNotDelayResult(t *testing.T) {
	pub := &gatedPublisher{release: make(chan struct{})}
	r, bus := rig(t, newECU(), WithPublisher(pub))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan DiscoveryResult, 1)
	go func() { done <- r.Discover(ctx) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("discover waited for telemetry")
	}
	assertClosedOnce(t, bus)

	// The request is over; its cancellation must not abort the publish.
	cancel()
	close(pub.release)
	r.Flush()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 || pub.events[0] != "request_ids" {
		t.Fatalf("events %v", pub.events)
	}
	if pub.ctxErr != nil {
		t.Fatalf("publish context done: %v", pub.ctxErr)
	}
}

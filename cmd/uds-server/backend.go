package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/kstaniek/go-uds-server/internal/hub"
	"github.com/kstaniek/go-uds-server/internal/metrics"
	"github.com/kstaniek/go-uds-server/internal/transport"
)

const (
	txQueueSize       = 1024 // frames buffered ahead of the backend writer
	serialReadBufSize = 4096
	// Serial RX accumulators above this capacity are reallocated once drained,
	// so a burst of line noise does not pin a large backing array.
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)

var (
	// openRetryDelay is the pause between backend open attempts (tests shrink it).
	openRetryDelay = time.Second
	// sleepFn allows tests to intercept backoff sleeps.
	sleepFn = time.Sleep
)

// initBackend selects the backend, starts its RX loop and returns a frame sender and cleanup.
// It returns an error instead of exiting the process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (transport.SendFunc, func(), error) {
	switch cfg.backend {
	case "serial":
		return initSerialBackend(ctx, cfg, h, l, wg)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, h, l, wg)
	case "cannelloni":
		return initCannelloniBackend(ctx, cfg, h, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use socketcan|serial|cannelloni)", cfg.backend)
	}
}

// openWithRetry runs open up to cfg.openRetries times with a fixed delay,
// giving up early when ctx is cancelled.
func openWithRetry[T any](ctx context.Context, cfg *appConfig, l *slog.Logger, backend string, open func() (T, error)) (T, error) {
	attempts := cfg.openRetries
	if attempts == 0 {
		attempts = 1
	}
	return retry.DoWithData(open,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(openRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("backend_open_retry", "backend", backend, "attempt", n+1, "error", err)
		}),
	)
}

// rxVerdict tells the pump what to do with a read error.
type rxVerdict int

const (
	rxRetry  rxVerdict = iota // count it, back off, read again
	rxIgnore                  // read again immediately (timeouts)
	rxStop                    // the link is gone
)

// rxPump drives one backend receive loop. read pulls whatever the link has
// and hands decoded frames to the hub itself.
type rxPump struct {
	backend  string
	errLabel string
	read     func() error
	classify func(error) rxVerdict
}

// run loops until ctx ends or classify returns rxStop. Transient errors are
// counted and backed off exponentially between rxBackoffMin and rxBackoffMax.
func (p rxPump) run(ctx context.Context, l *slog.Logger) {
	defer l.Info(p.backend + "_rx_end")
	backoff := rxBackoffMin
	for ctx.Err() == nil {
		err := p.read()
		if err == nil {
			backoff = rxBackoffMin
			continue
		}
		if ctx.Err() != nil { // shutting down
			return
		}
		verdict := rxRetry
		if p.classify != nil {
			verdict = p.classify(err)
		}
		switch verdict {
		case rxIgnore:
			continue
		case rxStop:
			return
		}
		metrics.IncError(p.errLabel)
		l.Warn(p.backend+"_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff = nextBackoff(backoff)
	}
}

// start runs the pump on its own goroutine tracked by wg.
func (p rxPump) start(ctx context.Context, l *slog.Logger, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.run(ctx, l)
	}()
}

// nextBackoff doubles d, capped at rxBackoffMax.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		d = rxBackoffMax
	}
	return d
}

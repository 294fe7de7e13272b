// Package action implements the diagnostic actions exposed by the service:
// ECU discovery, data access, manual frames and firmware updates.
//
// Every entry point opens its own bus handle and releases it exactly once on
// every exit path.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-uds-server/internal/logging"
	"github.com/kstaniek/go-uds-server/internal/metrics"
	"github.com/kstaniek/go-uds-server/internal/session"
	"github.com/kstaniek/go-uds-server/internal/telemetry"
	"github.com/kstaniek/go-uds-server/internal/transport"
	"github.com/kstaniek/go-uds-server/internal/uds"
)

const (
	DefaultTesterID          uint32 = 0xFA
	DefaultDiscoveryTesterID uint32 = 0xFA99

	DefaultRequestTimeout   = 2 * time.Second
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultManualTimeout    = 15 * time.Second
	DefaultSettleDelay      = time.Second

	publishTimeout = 2 * time.Second
)

// Runner executes actions against buses handed out by an Opener.
type Runner struct {
	opener transport.Opener
	exec   *session.Executor
	logger *slog.Logger
	pub    telemetry.Publisher

	testerID          uint32
	discoveryTesterID uint32
	requestTimeout    time.Duration
	discoveryTimeout  time.Duration
	manualTimeout     time.Duration
	settleDelay       time.Duration
	progress          ProgressFunc

	pending sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor replaces the default session executor.
func WithExecutor(e *session.Executor) Option {
	return func(r *Runner) {
		if e != nil {
			r.exec = e
		}
	}
}

// WithLogger overrides the global logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPublisher sends every action result to p.
func WithPublisher(p telemetry.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.pub = p
		}
	}
}

// WithTesterID sets the tester id combined with ECU ids for addressed requests.
func WithTesterID(id uint32) Option { return func(r *Runner) { r.testerID = id } }

// WithDiscoveryTesterID sets the tester id used for the discovery broadcast.
func WithDiscoveryTesterID(id uint32) Option { return func(r *Runner) { r.discoveryTesterID = id } }

// WithRequestTimeout bounds each addressed request. Non-positive values are ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.requestTimeout = d
		}
	}
}

// WithDiscoveryTimeout bounds the wait for a discovery reply. Non-positive values are ignored.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.discoveryTimeout = d
		}
	}
}

// WithManualTimeout bounds the wait for a manual frame reply. Non-positive values are ignored.
func WithManualTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.manualTimeout = d
		}
	}
}

// WithSettleDelay sets the grace period after an ECU reset. Zero disables it.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.settleDelay = d
		}
	}
}

// WithProgress observes update phases and transfer blocks.
func WithProgress(fn ProgressFunc) Option { return func(r *Runner) { r.progress = fn } }

// NewRunner returns a Runner with defaults matching the reference rig.
func NewRunner(opener transport.Opener, opts ...Option) *Runner {
	r := &Runner{
		opener:            opener,
		logger:            logging.L(),
		pub:               telemetry.Nop{},
		testerID:          DefaultTesterID,
		discoveryTesterID: DefaultDiscoveryTesterID,
		requestTimeout:    DefaultRequestTimeout,
		discoveryTimeout:  DefaultDiscoveryTimeout,
		manualTimeout:     DefaultManualTimeout,
		settleDelay:       DefaultSettleDelay,
	}
	for _, o := range opts {
		o(r)
	}
	if r.exec == nil {
		r.exec = session.New(nil, session.WithLogger(r.logger))
	}
	return r
}

// TesterID returns the tester id used for addressed requests.
func (r *Runner) TesterID() uint32 { return r.testerID }

// Address returns the arbitration address of ecu for this runner's tester.
func (r *Runner) Address(ecu uint32) uds.Address {
	return uds.Address{Tester: r.testerID, ECU: ecu}
}

func (r *Runner) acquire(ctx context.Context) (transport.Bus, error) {
	bus, err := r.opener.Open(ctx)
	if err != nil {
		metrics.IncError(metrics.ErrBusOpen)
		return nil, fmt.Errorf("open bus: %w", err)
	}
	return bus, nil
}

// release closes bus. Close failures are logged and never replace the
// action's own outcome.
func (r *Runner) release(bus transport.Bus) {
	if err := bus.Close(); err != nil {
		metrics.IncError(metrics.ErrBusClose)
		r.logger.Warn("bus_close_error", "error", err)
	}
}

// publish hands v to the publisher in the background so a slow broker never
// delays the caller. Request cancellation does not cut the publish short.
func (r *Runner) publish(ctx context.Context, event string, v any) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		defer cancel()
		if err := r.pub.Publish(pctx, event, v); err != nil {
			metrics.IncError(metrics.ErrTelemetry)
			r.logger.Warn("telemetry_publish_error", "event", event, "error", err)
		}
	}()
}

// Flush waits for background publishes to finish.
func (r *Runner) Flush() { r.pending.Wait() }

// outcome classifies err, logging faults which are hidden from clients.
func (r *Runner) outcome(action string, err error) Result {
	res := classify(err)
	res.Timestamp = time.Now()
	if res.Kind == Fault {
		r.logger.Error("action_fault", "action", action, "error", err)
	}
	return res
}

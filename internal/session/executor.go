// Package session runs diagnostic request/response exchanges over a Bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-uds-server/internal/logging"
	"github.com/kstaniek/go-uds-server/internal/metrics"
	"github.com/kstaniek/go-uds-server/internal/transport"
	"github.com/kstaniek/go-uds-server/internal/uds"
)

const defaultPollTimeout = 100 * time.Millisecond

// Predicate selects the frames an exchange is waiting for.
type Predicate func(uds.Response) bool

// Executor sends one request and waits for its answer on a shared bus.
// It holds no per-exchange state and is safe for concurrent use.
type Executor struct {
	codec    *uds.Codec
	poll     time.Duration
	tolerate map[uds.NRC]bool
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithPollTimeout sets the per-receive timeout used while polling.
func WithPollTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.poll = d
		}
	}
}

// WithTolerate makes negative responses with the given codes succeed.
// They are still logged and counted.
func WithTolerate(codes ...uds.NRC) Option {
	return func(e *Executor) {
		for _, c := range codes {
			e.tolerate[c] = true
		}
	}
}

// WithLogger overrides the global logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Executor framing with codec (nil means the default codec).
func New(codec *uds.Codec, opts ...Option) *Executor {
	if codec == nil {
		codec = uds.NewCodec()
	}
	e := &Executor{
		codec:    codec,
		poll:     defaultPollTimeout,
		tolerate: make(map[uds.NRC]bool),
		logger:   logging.L(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Codec returns the codec used for framing.
func (e *Executor) Codec() *uds.Codec { return e.codec }

// PollTimeout returns the per-receive timeout.
func (e *Executor) PollTimeout() time.Duration { return e.poll }

// Send encodes and transmits req without waiting for an answer.
func (e *Executor) Send(ctx context.Context, bus transport.Bus, a uds.Address, req uds.Request) error {
	f, err := e.codec.Encode(a, req)
	if err != nil {
		return err
	}
	metrics.IncUDSRequest(uds.ServiceName(req.SID))
	e.logger.Debug("uds_request", "service", uds.ServiceName(req.SID), "id", fmt.Sprintf("0x%X", f.ID()), "data", fmt.Sprintf("% X", f.Payload()))
	if err := bus.Send(ctx, f); err != nil {
		metrics.IncError(mapErrToMetric(err))
		return fmt.Errorf("%w: send %s: %w", uds.ErrTransport, uds.ServiceName(req.SID), err)
	}
	return nil
}

// Execute sends req and waits up to timeout for the frame answering it.
// Frames belonging to other exchanges are skipped.
//
// The returned error is nil for a positive (or tolerated negative) answer,
// *uds.NegativeResponseError for a refusal, uds.ErrNoResponse on timeout and
// uds.ErrMalformedResponse for a short frame on the request's arbitration id.
// Encoding errors are returned before any I/O.
func (e *Executor) Execute(ctx context.Context, bus transport.Bus, a uds.Address, req uds.Request, timeout time.Duration) (uds.Response, error) {
	id, err := e.codec.Combine(a)
	if err != nil {
		return uds.Response{}, err
	}
	if err := e.Send(ctx, bus, a, req); err != nil {
		return uds.Response{}, err
	}
	sid := req.SID
	return e.AwaitMatching(ctx, bus, func(r uds.Response) bool { return r.Answers(sid, id) }, timeout)
}

// AwaitMatching receives in poll-sized steps until a frame satisfies pred or
// overall elapses. The matched response is classified like Execute does.
func (e *Executor) AwaitMatching(ctx context.Context, bus transport.Bus, pred Predicate, overall time.Duration) (uds.Response, error) {
	deadline := time.Now().Add(overall)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		step := e.poll
		if remaining < step {
			step = remaining
		}
		f, ok, err := bus.Receive(ctx, step)
		if err != nil {
			metrics.IncError(mapErrToMetric(err))
			return uds.Response{}, fmt.Errorf("%w: receive: %w", uds.ErrTransport, err)
		}
		if !ok {
			continue
		}
		r := e.codec.Decode(f)
		if !pred(r) {
			continue
		}
		return r, e.resolve(r)
	}
	metrics.IncUDSTimeout()
	return uds.Response{Kind: uds.NoResponse}, uds.ErrNoResponse
}

func (e *Executor) resolve(r uds.Response) error {
	switch r.Kind {
	case uds.Negative:
		metrics.IncUDSNegative(r.NRC.Label())
		e.logger.Warn("uds_negative_response",
			"service", uds.ServiceName(r.SID),
			"sid", fmt.Sprintf("0x%02X", r.SID),
			"nrc", r.NRC.Label(),
			"meaning", uds.Interpret(r.NRC),
			"tolerated", e.tolerate[r.NRC],
		)
		if e.tolerate[r.NRC] {
			return nil
		}
		return r.Err()
	case uds.Malformed:
		metrics.IncUDSMalformed()
		e.logger.Warn("uds_malformed_response", "data", fmt.Sprintf("% X", r.Raw))
		return r.Err()
	default:
		return nil
	}
}

// mapErrToMetric maps transport failures to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	case errors.Is(err, transport.ErrClosed):
		return metrics.ErrBusClose
	default:
		return metrics.ErrTransport
	}
}

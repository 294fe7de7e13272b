package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/cnl"
	"github.com/kstaniek/go-uds-server/internal/hub"
	"github.com/kstaniek/go-uds-server/internal/logging"
	"github.com/kstaniek/go-uds-server/internal/metrics"
	"github.com/kstaniek/go-uds-server/internal/transport"
)

var errRemoteTxOverflow = errors.New("cannelloni tx overflow")

// dialRemote is a hook for tests (overridden in unit tests).
var dialRemote = cnl.Dial

// classifyRemoteErr stops on a closed link and on lost framing.
func classifyRemoteErr(err error) rxVerdict {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed),
		errors.Is(err, cnl.ErrTruncatedFrame), errors.Is(err, cnl.ErrInvalidLength):
		return rxStop
	default:
		return rxRetry
	}
}

// initCannelloniBackend connects to a cannelloni gateway over TCP and
// bridges its frame stream into the hub.
func initCannelloniBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (transport.SendFunc, func(), error) {
	conn, err := openWithRetry(ctx, cfg, l, "cannelloni", func() (net.Conn, error) {
		c, err := dialRemote(ctx, cfg.remote, cfg.remoteTO)
		if errors.Is(err, cnl.ErrBadHello) {
			metrics.IncError(metrics.ErrHandshake)
		}
		return c, err
	})
	if err != nil {
		return nil, func() {}, fmt.Errorf("cannelloni connect %s: %w", cfg.remote, err)
	}
	l.Info("cannelloni_open", "remote", cfg.remote)

	codec := &cnl.Codec{}
	q := transport.NewTxQueue(ctx, txQueueSize, func(fr can.Frame) error {
		_, err := codec.EncodeTo(conn, []can.Frame{fr})
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrRemoteWrite)
			logging.L().Error("cannelloni_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncCannelloniTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrRemoteWrite)
			return errRemoteTxOverflow
		},
	})

	br := bufio.NewReader(conn)
	rxPump{
		backend:  "cannelloni",
		errLabel: metrics.ErrRemoteRead,
		read: func() error {
			fr, err := codec.Decode(br)
			if err != nil {
				return err
			}
			metrics.IncCannelloniRx()
			h.Broadcast(fr)
			return nil
		},
		classify: func(err error) rxVerdict {
			v := classifyRemoteErr(err)
			if v != rxStop {
				return v
			}
			if errors.Is(err, cnl.ErrInvalidLength) {
				// Framing is lost; drop the link rather than parse garbage.
				metrics.IncError(metrics.ErrRemoteRead)
				_ = conn.Close()
			}
			l.Error("cannelloni_disconnected", "remote", cfg.remote, "error", err)
			return v
		},
	}.start(ctx, l, wg)
	return q.Send, func() { _ = conn.Close(); q.Close() }, nil
}

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/hub"
	"github.com/kstaniek/go-uds-server/internal/metrics"
	"github.com/kstaniek/go-uds-server/internal/socketcan"
	"github.com/kstaniek/go-uds-server/internal/transport"
)

// socketCANReadTimeout bounds each read so the RX loop observes shutdown.
const socketCANReadTimeout = 200 * time.Millisecond

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) {
	d, err := socketcan.Open(iface)
	if err != nil {
		return nil, err
	}
	if err := d.SetReadTimeout(socketCANReadTimeout); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// initSocketCANBackend sets up the SocketCAN backend, launching the RX loop.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (transport.SendFunc, func(), error) {
	dev, err := openWithRetry(ctx, cfg, l, "socketcan", func() (socketcan.Dev, error) { return openSocketCANDevice(cfg.canIf) })
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	tw := socketcan.NewTXWriter(ctx, dev, txQueueSize)
	rxPump{
		backend:  "socketcan",
		errLabel: metrics.ErrSocketCANRead,
		read: func() error {
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				return err
			}
			metrics.IncSocketCANRx()
			h.Broadcast(fr)
			return nil
		},
		classify: func(err error) rxVerdict {
			if errors.Is(err, socketcan.ErrReadTimeout) {
				return rxIgnore
			}
			return rxRetry
		},
	}.start(ctx, l, wg)
	return tw.Send, func() { _ = dev.Close(); tw.Close() }, nil
}

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-uds-server/internal/metrics"
)

func logMetricsSnapshot(l *slog.Logger) {
	snap := metrics.Snap()
	l.Info("metrics_snapshot",
		"serial_rx", snap.SerialRx,
		"socketcan_rx", snap.SocketCANRx,
		"cannelloni_rx", snap.CannelloniRx,
		"serial_tx", snap.SerialTx,
		"socketcan_tx", snap.SocketCANTx,
		"cannelloni_tx", snap.CannelloniTx,
		"hub_drops", snap.HubDrops,
		"hub_sessions", snap.HubSessions,
		"errors", snap.Errors,
		"uds_requests", snap.UDSRequests,
		"uds_negative", snap.UDSNegative,
		"uds_timeouts", snap.UDSTimeouts,
		"uds_malformed", snap.UDSMalformed,
		"updates", snap.Updates,
	)
}

// runMetricsLogger logs a counter snapshot every interval until ctx ends.
// A non-positive interval disables it.
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			logMetricsSnapshot(l)
		case <-ctx.Done():
			return nil
		}
	}
}

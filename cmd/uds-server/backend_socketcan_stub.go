//go:build !linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-uds-server/internal/hub"
	"github.com/kstaniek/go-uds-server/internal/socketcan"
	"github.com/kstaniek/go-uds-server/internal/transport"
)

// Placeholder so non-linux builds compile; socketcan not supported.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (transport.SendFunc, func(), error) {
	return nil, func() {}, fmt.Errorf("socketcan %s: %w", cfg.canIf, socketcan.ErrUnsupported)
}

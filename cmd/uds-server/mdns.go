package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType is advertised on domain local.
const mdnsServiceType = "_uds-server._tcp"

// mdnsInstance returns the configured instance name or uds-server-<hostname>.
func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return "uds-server-" + host
}

// mdnsText builds the TXT records clients use to pick a rig.
func mdnsText(cfg *appConfig) []string {
	return []string{
		"backend=" + cfg.backend,
		"ecus=" + cfg.ecuIDs,
		"api=/request_ids",
		"version=" + version,
		"commit=" + commit,
	}
}

// serveMDNS advertises the REST API on port until ctx ends.
func serveMDNS(ctx context.Context, cfg *appConfig, port int, l *slog.Logger) error {
	instance := mdnsInstance(cfg)
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, mdnsText(cfg), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", instance, "port", port)
	<-ctx.Done()
	svc.Shutdown()
	return nil
}

package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-uds-server/internal/hub"
)

// parseHubPolicy maps the -hub-policy value onto the hub's backpressure policy.
func parseHubPolicy(s string) (hub.BackpressurePolicy, error) {
	switch s {
	case "drop":
		return hub.PolicyDrop, nil
	case "kick":
		return hub.PolicyKick, nil
	default:
		return hub.PolicyDrop, fmt.Errorf("invalid hub-policy: %s", s)
	}
}

// initHub builds the frame fan-out every diagnostic session subscribes to.
func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	policy, err := parseHubPolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", policy.String())
	}
	h.Policy = policy
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}

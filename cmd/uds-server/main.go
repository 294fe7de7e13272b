package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-uds-server/internal/action"
	"github.com/kstaniek/go-uds-server/internal/api"
	"github.com/kstaniek/go-uds-server/internal/drive"
	"github.com/kstaniek/go-uds-server/internal/logging"
	"github.com/kstaniek/go-uds-server/internal/metrics"
	"github.com/kstaniek/go-uds-server/internal/session"
	"github.com/kstaniek/go-uds-server/internal/telemetry"
	"github.com/kstaniek/go-uds-server/internal/transport"
	"github.com/kstaniek/go-uds-server/internal/uds"
)

// errShutdown ends the run group when a termination signal arrives.
var errShutdown = errors.New("shutdown requested")

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("uds-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	ring := logging.NewRing(cfg.logBuffer)
	l := setupLogger(cfg.logFormat, cfg.logLevel, ring)
	if err := run(cfg, l, ring); err != nil {
		l.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, l *slog.Logger, ring *logging.Ring) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	h := initHub(cfg, l)
	var wg sync.WaitGroup
	send, cleanup, err := initBackend(gctx, cfg, h, l, &wg)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return err
	}
	defer func() {
		cleanup()
		wg.Wait()
	}()

	pub := initTelemetry(gctx, cfg, l)
	defer func() { _ = pub.Close() }()

	runner := newRunner(cfg, &transport.HubOpener{Hub: h, Send: send}, pub, l)
	defer runner.Flush()
	srv := api.New(runner,
		api.WithAddr(cfg.listenAddr),
		api.WithLogs(ring),
		api.WithDrive(drive.New(cfg.driveURL, cfg.driveTTL)),
		api.WithFirmwareDir(cfg.firmwareDir),
		api.WithDefaultECU(cfg.ecus[0]),
		api.WithLogger(l),
	)

	// Ready when the API listener is bound and shutdown has not begun.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return gctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = srvHTTP.Shutdown(sctx)
		}()
	}

	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return runMetricsLogger(gctx, cfg.logMetricsEvery, l) })
	g.Go(func() error { return advertise(gctx, cfg, srv, l) })
	g.Go(func() error { return waitSignal(gctx, l) })

	err = g.Wait()
	cancel()
	if errors.Is(err, errShutdown) {
		return nil
	}
	return err
}

// newRunner builds the action runner from the UDS timing and addressing options.
func newRunner(cfg *appConfig, opener transport.Opener, pub telemetry.Publisher, l *slog.Logger) *action.Runner {
	codec := uds.NewCodec(uds.WithMaxArbitrationID(uint32(cfg.maxArbitrationID)))
	exec := session.New(codec,
		session.WithPollTimeout(cfg.pollTimeout),
		session.WithLogger(l),
	)
	return action.NewRunner(opener,
		action.WithExecutor(exec),
		action.WithLogger(l),
		action.WithPublisher(pub),
		action.WithTesterID(uint32(cfg.testerID)),
		action.WithDiscoveryTesterID(uint32(cfg.discoveryTesterID)),
		action.WithRequestTimeout(cfg.requestTimeout),
		action.WithDiscoveryTimeout(cfg.discoveryTimeout),
		action.WithManualTimeout(cfg.manualTimeout),
		action.WithSettleDelay(cfg.settleDelay),
		action.WithProgress(func(p action.Progress) {
			l.Debug("update_progress", "phase", p.Phase, "block", p.Block, "blocks", p.Blocks)
		}),
	)
}

// initTelemetry connects to the MQTT broker when one is configured. A broker
// that cannot be reached disables telemetry instead of failing startup.
func initTelemetry(ctx context.Context, cfg *appConfig, l *slog.Logger) telemetry.Publisher {
	if cfg.mqttBroker == "" {
		return telemetry.Nop{}
	}
	clientID := cfg.mqttClientID
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = "uds-server-" + host
	}
	pub, err := telemetry.NewMQTT(ctx, telemetry.MQTTConfig{
		Broker:   cfg.mqttBroker,
		Topic:    cfg.mqttTopic,
		ClientID: clientID,
	})
	if err != nil {
		l.Warn("telemetry_disabled", "error", err)
		return telemetry.Nop{}
	}
	l.Info("telemetry_enabled", "broker", cfg.mqttBroker, "topic", cfg.mqttTopic)
	return pub
}

// advertise starts mDNS once the API listener is bound. Registration
// failures are logged and leave the service running unadvertised.
func advertise(ctx context.Context, cfg *appConfig, srv *api.Server, l *slog.Logger) error {
	if !cfg.mdnsEnable {
		return nil
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return nil
	}
	if err := serveMDNS(ctx, cfg, portOf(srv.Addr()), l); err != nil {
		l.Warn("mdns_start_failed", "error", err)
	}
	return nil
}

// portOf extracts the port from a bound address (host:port or :port); 0 if absent.
func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}

// waitSignal returns errShutdown on SIGINT/SIGTERM, or nil when ctx ends first.
func waitSignal(ctx context.Context, l *slog.Logger) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		return errShutdown
	case <-ctx.Done():
		return nil
	}
}

// shutdownGrace bounds how long the metrics server may take to stop.
const shutdownGrace = 2 * time.Second

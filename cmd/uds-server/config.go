package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	backend      string
	canIf        string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	remote       string
	remoteTO     time.Duration
	openRetries  uint

	listenAddr      string
	metricsAddr     string
	logMetricsEvery time.Duration
	logFormat       string
	logLevel        string
	logBuffer       int

	hubBuffer int
	hubPolicy string

	pollTimeout      time.Duration
	requestTimeout   time.Duration
	discoveryTimeout time.Duration
	manualTimeout    time.Duration
	settleDelay      time.Duration

	testerID          uint64
	discoveryTesterID uint64
	ecuIDs            string
	maxArbitrationID  uint64
	ecus              []uint32 // parsed from ecuIDs by validate

	mdnsEnable bool
	mdnsName   string

	mqttBroker   string
	mqttTopic    string
	mqttClientID string

	driveURL    string
	driveTTL    time.Duration
	firmwareDir string
}

const envPrefix = "UDS_SERVER_"

// envAliases keeps the short variable names used by packaged unit files.
var envAliases = map[string]string{
	"serial":       envPrefix + "SERIAL",
	"can-if":       envPrefix + "IF",
	"metrics-addr": envPrefix + "METRICS",
}

// envAllowEmpty lists flags where an empty variable is meaningful (disable).
var envAllowEmpty = map[string]bool{
	"metrics-addr": true,
	"mqtt-broker":  true,
	"drive-url":    true,
}

// bindFlags registers every option on fs, writing into cfg. It returns the
// -version switch.
func bindFlags(fs *flag.FlagSet, cfg *appConfig) *bool {
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: socketcan|serial|cannelloni")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.remote, "remote", "", "Cannelloni gateway host:port (when --backend=cannelloni)")
	fs.DurationVar(&cfg.remoteTO, "remote-timeout", 3*time.Second, "Cannelloni dial and handshake timeout")
	fs.UintVar(&cfg.openRetries, "open-retries", 3, "Attempts when opening the CAN backend")

	fs.StringVar(&cfg.listenAddr, "listen", ":8080", "REST API listen address")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.IntVar(&cfg.logBuffer, "log-buffer", 500, "Log lines kept in memory for GET /logs")

	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-session hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")

	fs.DurationVar(&cfg.pollTimeout, "poll-timeout", 100*time.Millisecond, "Per-receive poll timeout")
	fs.DurationVar(&cfg.requestTimeout, "request-timeout", 2*time.Second, "Overall wait for one diagnostic response")
	fs.DurationVar(&cfg.discoveryTimeout, "discovery-timeout", 10*time.Second, "Overall wait for the discovery reply")
	fs.DurationVar(&cfg.manualTimeout, "manual-timeout", 15*time.Second, "Overall wait for a reply to a manual frame")
	fs.DurationVar(&cfg.settleDelay, "settle-delay", time.Second, "Pause after ECU reset before the error check")

	fs.Uint64Var(&cfg.testerID, "tester-id", 0xFA, "Tester address used in arbitration ids")
	fs.Uint64Var(&cfg.discoveryTesterID, "discovery-tester-id", 0xFA99, "Tester address used for discovery")
	fs.StringVar(&cfg.ecuIDs, "ecu-ids", "0x10,0x11,0x12", "Known ECU addresses; the first is the default target")
	fs.Uint64Var(&cfg.maxArbitrationID, "max-arbitration-id", 0, "Upper bound for combined arbitration ids (0 = 29-bit)")

	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement of the REST API")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default uds-server-<hostname>)")

	fs.StringVar(&cfg.mqttBroker, "mqtt-broker", "", "MQTT broker URL for action telemetry; empty disables")
	fs.StringVar(&cfg.mqttTopic, "mqtt-topic", "uds-server", "MQTT topic prefix")
	fs.StringVar(&cfg.mqttClientID, "mqtt-client-id", "", "MQTT client id (default uds-server-<hostname>)")

	fs.StringVar(&cfg.driveURL, "drive-url", "", "URL of the update metadata document; empty disables")
	fs.DurationVar(&cfg.driveTTL, "drive-ttl", 5*time.Minute, "Cache lifetime of the update metadata")
	fs.StringVar(&cfg.firmwareDir, "firmware-dir", "", "Directory holding Intel HEX firmware images")

	return fs.Bool("version", false, "Print version and exit")
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	showVersion := bindFlags(flag.CommandLine, cfg)
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if err := applyEnvOverrides(flag.CommandLine, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// envName returns the environment variable that overrides flag name.
func envName(name string) string {
	if alias, ok := envAliases[name]; ok {
		return alias
	}
	return envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// applyEnvOverrides maps UDS_SERVER_* environment variables onto the flags of
// fs unless the flag was explicitly set. Empty values are ignored except for
// addresses where empty means disabled. Parsing goes through the flag's own
// Set, so env values accept the same syntax as the command line. The first
// parse error is returned; later variables are still applied.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "version" {
			return
		}
		if _, ok := set[f.Name]; ok {
			return
		}
		key := envName(f.Name)
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		v = strings.TrimSpace(v)
		if v == "" && !envAllowEmpty[f.Name] {
			return
		}
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			switch strings.ToLower(v) {
			case "yes", "on":
				v = "true"
			case "no", "off":
				v = "false"
			}
		}
		if err := fs.Set(f.Name, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	})
	return firstErr
}

// parseECUList parses a comma-separated list of ECU addresses (decimal or 0x hex).
func parseECUList(s string) ([]uint32, error) {
	var out []uint32
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("ecu id %q: %w", part, err)
		}
		out = append(out, uint32(n))
	}
	if len(out) == 0 {
		return nil, errors.New("no ecu ids")
	}
	return out, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "serial", "socketcan":
	case "cannelloni":
		if c.remote == "" {
			return errors.New("remote is required for the cannelloni backend")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, err := parseHubPolicy(c.hubPolicy); err != nil {
		return err
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.remoteTO <= 0 {
		return fmt.Errorf("remote-timeout must be > 0")
	}
	if c.openRetries == 0 {
		return fmt.Errorf("open-retries must be >= 1")
	}
	if c.logBuffer < 0 {
		return fmt.Errorf("log-buffer must be >= 0")
	}
	for name, d := range map[string]time.Duration{
		"poll-timeout":      c.pollTimeout,
		"request-timeout":   c.requestTimeout,
		"discovery-timeout": c.discoveryTimeout,
		"manual-timeout":    c.manualTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.pollTimeout > c.requestTimeout {
		return fmt.Errorf("poll-timeout must not exceed request-timeout")
	}
	if c.settleDelay < 0 {
		return fmt.Errorf("settle-delay must be >= 0")
	}
	if c.testerID > 0x1FFFFFFF {
		return fmt.Errorf("tester-id out of range: 0x%X", c.testerID)
	}
	if c.discoveryTesterID > 0x1FFFFFFF {
		return fmt.Errorf("discovery-tester-id out of range: 0x%X", c.discoveryTesterID)
	}
	if c.maxArbitrationID > 0x1FFFFFFF {
		return fmt.Errorf("max-arbitration-id exceeds 29 bits: 0x%X", c.maxArbitrationID)
	}
	ecus, err := parseECUList(c.ecuIDs)
	if err != nil {
		return fmt.Errorf("invalid ecu-ids: %w", err)
	}
	c.ecus = ecus
	if c.mqttBroker != "" && c.mqttTopic == "" {
		return fmt.Errorf("mqtt-topic must be set when mqtt-broker is")
	}
	if c.driveURL != "" && c.driveTTL <= 0 {
		return fmt.Errorf("drive-ttl must be > 0")
	}
	return nil
}

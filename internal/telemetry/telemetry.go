// Package telemetry publishes action results to external sinks.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kstaniek/go-uds-server/internal/logging"
	"github.com/kstaniek/go-uds-server/internal/metrics"
)

// Publisher receives one event per completed action.
type Publisher interface {
	Publish(ctx context.Context, event string, v any) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }

const (
	DefaultTopic    = "uds-server"
	DefaultClientID = "uds-server"

	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // ms
)

var ErrNotConnected = errors.New("mqtt not connected")

// MQTTConfig configures an MQTTPublisher.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	// Attempts bounds connect retries (default 3).
	Attempts uint
	// Delay between connect attempts (default 1s).
	Delay time.Duration
}

// MQTTPublisher publishes JSON-encoded events to <topic>/<event>.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger
}

// newClient is swapped in tests.
var newClient = mqtt.NewClient

// NewMQTT connects to the broker, retrying transient failures.
func NewMQTT(ctx context.Context, cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	p := &MQTTPublisher{cfg: cfg, logger: logging.L().With("component", "telemetry")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.logger.Info("mqtt_connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		metrics.IncError(metrics.ErrTelemetry)
		p.logger.Warn("mqtt_connection_lost", "error", err)
	})
	p.client = newClient(opts)

	err := retry.Do(func() error {
		tok := p.client.Connect()
		tok.Wait()
		return tok.Error()
	},
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("mqtt_connect_retry", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		metrics.IncError(metrics.ErrTelemetry)
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return p, nil
}

// Topic returns the topic an event is published to.
func (p *MQTTPublisher) Topic(event string) string {
	return strings.TrimSuffix(p.cfg.Topic, "/") + "/" + event
}

// Publish encodes v as JSON and publishes it with QoS 0.
func (p *MQTTPublisher) Publish(ctx context.Context, event string, v any) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	tok := p.client.Publish(p.Topic(event), 0, false, b)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish %s: timeout", event)
	}
	if err := tok.Error(); err != nil {
		metrics.IncError(metrics.ErrTelemetry)
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/termkeep/internal/config"
)

// State is the JSON payload published to the state topic.
type State struct {
	Network             string `json:"network"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Streaming           bool   `json:"streaming"`
	StreamSource        string `json:"stream_source,omitempty"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
	Version             string `json:"version"`
}

// StateSource provides the snapshot to publish. The concrete adapter is
// wired in main.go so this package stays independent of the supervisor
// and the stream manager.
type StateSource interface {
	MQTTState() State
}

// StateFunc adapts a function to [StateSource].
type StateFunc func() State

// MQTTState implements [StateSource].
func (f StateFunc) MQTTState() State { return f() }

// publisher is the part of the connection manager the loop uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and the periodic state loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	source     StateSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, source StateSource, logger *slog.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "termkeep"
	}
	if cfg.PublishIntervalSec <= 0 {
		cfg.PublishIntervalSec = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		source:     source,
		logger:     logger,
	}
}

// Start connects to the broker and runs the publish loop. It blocks
// until ctx is cancelled, then publishes "offline" and disconnects.
func (p *Publisher) Start(ctx context.Context) error {
	pahoCfg, err := p.clientConfig(ctx)
	if err != nil {
		return err
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx, cm)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	p.publishAvailability(stopCtx, cm, "offline")
	if err := cm.Disconnect(stopCtx); err != nil {
		p.logger.Debug("mqtt disconnect", "error", err)
	}
	return nil
}

func (p *Publisher) clientConfig(ctx context.Context) (autopaho.ClientConfig, error) {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if brokerURL.Scheme == "" || brokerURL.Host == "" {
		return autopaho.ClientConfig{}, fmt.Errorf("mqtt broker %q: expected scheme://host:port", p.cfg.Broker)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.publishState(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg, nil
}

func (p *Publisher) clientID() string {
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "termkeep-" + id
}

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.instanceID
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic() string {
	return p.baseTopic() + "/state"
}

func (p *Publisher) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) runLoop(ctx context.Context, pub publisher) {
	ticker := time.NewTicker(config.Seconds(p.cfg.PublishIntervalSec))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishState(ctx, pub)
		}
	}
}

func (p *Publisher) publishState(ctx context.Context, pub publisher) {
	if p.source == nil {
		return
	}
	payload, err := json.Marshal(p.source.MQTTState())
	if err != nil {
		p.logger.Error("mqtt marshal state", "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "error", err)
		return
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt state published", "bytes", len(payload))
}

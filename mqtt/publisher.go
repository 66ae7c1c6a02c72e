// Package mqtt publishes the authorization decisions to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/esimov/gatecam"
	"github.com/google/uuid"
)

// Config holds the broker connection settings.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool
	Timeout  time.Duration
}

// Payload is the JSON message sent for every decision.
type Payload struct {
	Label      string    `json:"label"`
	Score      float32   `json:"score"`
	Authorized bool      `json:"authorized"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Time       time.Time `json:"time"`
}

// NewPayload converts a decision to its message.
func NewPayload(d gatecam.Decision) Payload {
	return Payload{
		Label:      d.Label,
		Score:      d.Score,
		Authorized: d.Authorized,
		X:          d.Rect.Min.X,
		Y:          d.Rect.Min.Y,
		Width:      d.Rect.Dx(),
		Height:     d.Rect.Dy(),
		Time:       d.Time.UTC(),
	}
}

// Publisher is a gatecam.DecisionSink sending the decisions to a topic.
type Publisher struct {
	cfg    Config
	client mqtt.Client
	logger *slog.Logger
	mu     sync.Mutex
}

var _ gatecam.DecisionSink = (*Publisher)(nil)

// NewPublisher prepares the client. Connect must be called before publishing.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.New("mqtt broker and topic are required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gatecam-" + uuid.NewString()[:8]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{cfg: cfg, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to mqtt broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection to mqtt broker lost", "broker", cfg.Broker, "error", err)
	})
	p.client = mqtt.NewClient(opts)

	return p, nil
}

// Connect opens the broker connection.
func (p *Publisher) Connect(ctx context.Context) error {
	if err := wait(ctx, p.client.Connect(), p.cfg.Timeout); err != nil {
		return fmt.Errorf("mqtt connection error: %w", err)
	}
	return nil
}

// Publish implements gatecam.DecisionSink.
func (p *Publisher) Publish(ctx context.Context, d gatecam.Decision) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.client.IsConnected() {
		return errors.New("not connected to mqtt broker")
	}
	data, err := json.Marshal(NewPayload(d))
	if err != nil {
		return err
	}
	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, p.cfg.Retain, data)
	if err := wait(ctx, token, p.cfg.Timeout); err != nil {
		return fmt.Errorf("mqtt publish error: %w", err)
	}
	p.logger.Debug("decision published", "topic", p.cfg.Topic, "size", len(data))
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timeout")
	}
}

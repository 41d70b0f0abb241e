package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rafaelvaloto/Neura-Rig/internal/config"
	"github.com/rafaelvaloto/Neura-Rig/internal/telemetry"
)

var ErrNotConnected = errors.New("mqtt not connected")

// Publisher is the slice of mqtt.Client the emitter needs
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes session telemetry to an MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane
	pub    Publisher

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	skipped   uint64            // train steps left out by sampling
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s")
	}

	e.Client = mqtt.NewClient(opts)
	e.pub = e.Client

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// brokerURL defaults to tcp:// when the broker has no scheme
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Run publishes events from bus until ctx is cancelled
func (e *MQTTEmitter) Run(ctx context.Context, bus telemetry.Bus) error {
	const subscriberID = "mqtt-emitter"

	events := make(chan telemetry.Event, 64)
	if err := bus.Subscribe(subscriberID, events); err != nil {
		return fmt.Errorf("failed to subscribe emitter: %w", err)
	}
	defer bus.Unsubscribe(subscriberID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := e.Publish(ev); err != nil {
				slog.Debug("failed to publish telemetry event", "type", ev.Type, "error", err)
			}
		}
	}
}

// Publish sends ev to {telemetry}/{type}. Pings are never published and
// train steps are sampled every mqtt.publish_every steps.
func (e *MQTTEmitter) Publish(ev telemetry.Event) error {
	if !e.shouldPublish(ev) {
		return nil
	}
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Telemetry, ev.Type)
	qos := e.getQoS(string(ev.Type))

	payload, err := ev.JSON()
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := e.send(topic, qos, payload); err != nil {
		e.countError()
		return err
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("telemetry published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)

	return nil
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	if !e.isConnected() {
		return ErrNotConnected
	}
	return e.send(e.cfg.MQTT.Topics.Health, e.getQoS("health"), payload)
}

func (e *MQTTEmitter) send(topic string, qos byte, payload []byte) error {
	token := e.pub.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (e *MQTTEmitter) shouldPublish(ev telemetry.Event) bool {
	switch ev.Type {
	case telemetry.EventPing:
		return false
	case telemetry.EventTrainStep:
		every := uint64(e.cfg.MQTT.PublishEvery)
		if every > 1 && ev.Step%every != 0 {
			e.mu.Lock()
			e.skipped++
			e.mu.Unlock()
			return false
		}
	}
	return true
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Skipped:   e.skipped,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Skipped   uint64
	Errors    uint64
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.pub != nil
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// getQoS returns the QoS level for an event type, 0 when unset
func (e *MQTTEmitter) getQoS(kind string) byte {
	if qos, ok := e.cfg.MQTT.QoS[kind]; ok {
		return qos
	}
	return 0
}

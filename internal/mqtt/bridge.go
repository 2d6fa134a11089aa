//go:build !no_mqtt

// Package mqtt links the door service to its devices through an MQTT broker.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"iot-door/internal/door"
	"iot-door/internal/queue"
)

const (
	defaultConnectTimeout = 10 * time.Second
	publishTimeout        = 5 * time.Second
	disconnectQuiesce     = 1000 // ms
	maxPayloadSize        = 1 << 20
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker       string
	ClientID     string
	Username     string
	Password     string
	QoS          byte
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Devices whose status topics are subscribed on every connect.
	Devices []door.Device

	// Discovery publishes a Home Assistant lock entity per device.
	Discovery       bool
	DiscoveryPrefix string

	// OnConnectionChange is called from paho's goroutines on connect and
	// on connection loss.
	OnConnectionChange func(connected bool, err error)
}

// Bridge implements door.Transport over one paho client. It reconnects and
// resubscribes on its own; nothing is replayed across a reconnect.
type Bridge struct {
	client pahomqtt.Client
	cfg    Config
	logger *slog.Logger
	queue  *queue.Unbounded[door.Message]
	now    func() time.Time

	mu        sync.Mutex
	connected bool
	closed    bool
}

// NewBridge creates the bridge and starts connecting. An unreachable broker
// is not an error: paho keeps retrying in the background.
func NewBridge(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	for _, d := range cfg.Devices {
		if d.StatusTopic == "" || d.ControlTopic == "" {
			return nil, fmt.Errorf("device %q: %w", d.ID, ErrInvalidTopic)
		}
	}

	b := newBridge(cfg, logger)
	b.client = pahomqtt.NewClient(b.clientOptions())

	token := b.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		b.logger.Warn("MQTT broker not reachable yet, retrying", "broker", cfg.Broker)
	} else if err := token.Error(); err != nil {
		b.logger.Warn("MQTT connect failed, retrying", "broker", cfg.Broker, "err", err)
	}
	return b, nil
}

func newBridge(cfg Config, logger *slog.Logger) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "iot-door"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = 2 * time.Minute
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		queue:  queue.New[door.Message](),
		now:    time.Now,
	}
}

func (b *Bridge) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(b.cfg.InitialDelay).
		SetMaxReconnectInterval(b.cfg.MaxDelay).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(60 * time.Second).
		SetWill(b.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.onConnectionLost(err)
		})

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	if secureBroker(b.cfg.Broker) {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

func secureBroker(broker string) bool {
	u, err := url.Parse(broker)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "ssl", "tls", "mqtts", "wss":
		return true
	}
	return false
}

func (b *Bridge) availabilityTopic() string {
	return b.cfg.ClientID + "/bridge/state"
}

func (b *Bridge) onConnect() {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("MQTT connected", "broker", b.cfg.Broker)
	b.publish(b.availabilityTopic(), []byte("online"), true)
	for _, d := range b.cfg.Devices {
		b.subscribe(d.StatusTopic)
	}
	if b.cfg.Discovery {
		b.publishDiscovery()
	}
	if b.cfg.OnConnectionChange != nil {
		b.cfg.OnConnectionChange(true, nil)
	}
}

func (b *Bridge) onConnectionLost(err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.logger.Warn("MQTT connection lost", "err", err)
	if b.cfg.OnConnectionChange != nil {
		b.cfg.OnConnectionChange(false, err)
	}
}

func (b *Bridge) subscribe(topic string) {
	token := b.client.Subscribe(topic, b.cfg.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		} else {
			b.logger.Debug("MQTT subscribed", "topic", topic)
		}
	}()
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("MQTT handler panic", "topic", topic, "panic", r)
		}
	}()
	b.queue.Push(door.Message{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: b.now().UTC(),
	})
}

// Publish sends payload at the configured QoS without waiting for the broker.
func (b *Bridge) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if !b.IsConnected() {
		return ErrNotConnected
	}
	b.publish(topic, payload, false)
	return nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, b.cfg.QoS, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// IsConnected reports whether the broker link is currently up.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && !b.closed && b.client != nil
}

func (b *Bridge) Messages() <-chan door.Message {
	return b.queue.Out()
}

// Close publishes the offline state and disconnects.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	wasConnected := b.connected
	b.closed = true
	b.mu.Unlock()

	if b.client != nil {
		if wasConnected {
			token := b.client.Publish(b.availabilityTopic(), 1, true, []byte("offline"))
			token.WaitTimeout(time.Second)
		}
		b.client.Disconnect(disconnectQuiesce)
	}
	b.queue.Close()
	b.logger.Info("MQTT bridge stopped")
	return nil
}

func (b *Bridge) publishDiscovery() {
	for _, d := range b.cfg.Devices {
		msg := buildLockDiscovery(d, b.cfg.DiscoveryPrefix, b.availabilityTopic())
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "devices", len(b.cfg.Devices))
}

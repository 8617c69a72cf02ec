// Package mqttbus is the device-facing channel: an MQTT client that
// publishes command envelopes to devices and routes inbound heartbeat, ack,
// and event messages into the pipeline.
//
// Topic layout (see the relay package for the matching patterns):
//
//	devices/<id>/heartbeat   device → liveness monitor
//	devices/<id>/ack         device → relay ack logging
//	devices/<id>/event       device → subscriber fan-out
//	devices/<id>/cmd         relay  → device
//
// Malformed inbound payloads are logged and dropped; they never crash the
// ingestion path.
package mqttbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/futurianh1k/edgevoice/internal/relay"
)

var _ relay.CommandBus = (*Client)(nil)

// qosAtLeastOnce is used for all publishes and subscriptions: commands and
// telemetry must survive a flaky link, duplicates are tolerable.
const qosAtLeastOnce = 1

// HeartbeatHandler receives inbound device heartbeats. The liveness monitor
// implements this.
type HeartbeatHandler interface {
	HandleHeartbeat(ctx context.Context, deviceID string, ts time.Time) error
}

// AckHandler receives inbound command acknowledgments. The relay implements
// this.
type AckHandler interface {
	HandleAck(ctx context.Context, payload []byte)
}

// EventHandler receives inbound device events that passed JSON validation.
type EventHandler func(ctx context.Context, deviceID string, payload []byte)

// Config holds broker connection settings.
type Config struct {
	// BrokerURL is the broker address, e.g. "tcp://localhost:1883".
	BrokerURL string

	// ClientID identifies this process to the broker.
	ClientID string

	Username string
	Password string

	// ConnectTimeout bounds the initial connect. Default: 10 s.
	ConnectTimeout time.Duration
}

// Client wraps the paho MQTT client. Create with [New], connect with
// [Client.Connect]; subscriptions are re-established automatically after a
// reconnect.
type Client struct {
	cfg Config
	log *slog.Logger

	heartbeats HeartbeatHandler
	acks       AckHandler
	events     EventHandler

	c mqtt.Client
}

// Option is a functional option for [New].
type Option func(*Client)

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHeartbeatHandler routes devices/+/heartbeat messages.
func WithHeartbeatHandler(h HeartbeatHandler) Option {
	return func(c *Client) { c.heartbeats = h }
}

// WithAckHandler routes devices/+/ack messages.
func WithAckHandler(h AckHandler) Option {
	return func(c *Client) { c.acks = h }
}

// WithEventHandler routes devices/+/event messages.
func WithEventHandler(h EventHandler) Option {
	return func(c *Client) { c.events = h }
}

// New creates an unconnected client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	c := &Client{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the broker connection and the inbound subscriptions.
// Auto-reconnect is enabled; subscriptions are replayed on every reconnect
// via the OnConnect hook.
func (c *Client) Connect(ctx context.Context) error {
	o := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.log.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			c.log.Info("mqtt connected", "broker", c.cfg.BrokerURL)
			c.subscribeAll()
		})

	c.c = mqtt.NewClient(o)
	if err := c.waitToken(ctx, c.c.Connect()); err != nil {
		return fmt.Errorf("mqttbus: connect %s: %w", c.cfg.BrokerURL, err)
	}
	return nil
}

// Publish implements [relay.CommandBus] with an at-least-once publish.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.c == nil {
		return fmt.Errorf("mqttbus: publish to %s: not connected", topic)
	}
	if err := c.waitToken(ctx, c.c.Publish(topic, qosAtLeastOnce, false, payload)); err != nil {
		return fmt.Errorf("mqttbus: publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker, allowing 250 ms for in-flight work.
func (c *Client) Close() error {
	if c.c != nil && c.c.IsConnected() {
		c.c.Disconnect(250)
	}
	return nil
}

// Connected reports broker connectivity, for readiness checks.
func (c *Client) Connected() bool {
	return c.c != nil && c.c.IsConnectionOpen()
}

func (c *Client) subscribeAll() {
	subs := map[string]mqtt.MessageHandler{
		relay.HeartbeatTopicPattern: c.adapt(c.routeHeartbeat),
		relay.AckTopicPattern:       c.adapt(c.routeAck),
		relay.EventTopicPattern:     c.adapt(c.routeEvent),
	}
	for pattern, handler := range subs {
		if token := c.c.Subscribe(pattern, qosAtLeastOnce, handler); token.Wait() && token.Error() != nil {
			c.log.Error("mqtt subscribe failed", "pattern", pattern, "error", token.Error())
		}
	}
}

// adapt bridges a paho message into a topic/payload route function. Routing
// runs on paho's handler goroutine and must never panic or block for long.
func (c *Client) adapt(route func(ctx context.Context, topic string, payload []byte)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		route(context.Background(), msg.Topic(), msg.Payload())
	}
}

// heartbeatPayload is the optional JSON body of a heartbeat message. Devices
// may send an empty payload, in which case arrival time is used.
type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func (c *Client) routeHeartbeat(ctx context.Context, topic string, payload []byte) {
	if c.heartbeats == nil {
		return
	}
	deviceID := relay.DeviceIDFromTopic(topic)
	if deviceID == "" {
		c.log.Warn("heartbeat on unexpected topic", "topic", topic)
		return
	}

	ts := time.Now()
	if len(payload) > 0 {
		var hb heartbeatPayload
		if err := json.Unmarshal(payload, &hb); err != nil {
			c.log.Warn("discarding malformed heartbeat", "device_id", deviceID, "error", err)
			return
		}
		if !hb.Timestamp.IsZero() {
			ts = hb.Timestamp
		}
	}

	if err := c.heartbeats.HandleHeartbeat(ctx, deviceID, ts); err != nil {
		c.log.Warn("heartbeat rejected", "device_id", deviceID, "error", err)
	}
}

func (c *Client) routeAck(ctx context.Context, topic string, payload []byte) {
	if c.acks == nil {
		return
	}
	if relay.DeviceIDFromTopic(topic) == "" {
		c.log.Warn("ack on unexpected topic", "topic", topic)
		return
	}
	c.acks.HandleAck(ctx, payload)
}

func (c *Client) routeEvent(ctx context.Context, topic string, payload []byte) {
	if c.events == nil {
		return
	}
	deviceID := relay.DeviceIDFromTopic(topic)
	if deviceID == "" {
		c.log.Warn("event on unexpected topic", "topic", topic)
		return
	}
	if !json.Valid(payload) {
		c.log.Warn("discarding malformed device event", "device_id", deviceID)
		return
	}
	c.events(ctx, deviceID, payload)
}

// waitToken waits for a paho token honouring ctx cancellation.
func (c *Client) waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Done():
		return t.Error()
	}
}

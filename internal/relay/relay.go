// Package relay implements the publish/subscribe bridge between the
// device-facing command channel and client subscribers.
//
// The relay keeps two in-memory maps: subscriber id → open channels, and
// device id → interested subscriber ids. Events from the rest of the pipeline
// (utterances, liveness transitions, alerts) are fanned out with
// [Relay.BroadcastToSubscribers]; control intents flow the other way through
// [Relay.SendCommand], which publishes to the device-addressed topic on the
// command bus and returns a correlation id without waiting for the device.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/futurianh1k/edgevoice/internal/observe"
)

// Channel is one open connection to a subscriber. Implementations must be
// safe for concurrent Send calls.
type Channel interface {
	Send(msg []byte) error
	Close() error
}

// CommandBus is the device-facing publish capability, implemented by the
// MQTT layer in production.
type CommandBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Command is the envelope published to a device's command topic.
type Command struct {
	CorrelationID string         `json:"correlation_id"`
	Type          string         `json:"type"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params,omitempty"`
	IssuedAt      time.Time      `json:"issued_at"`
}

// Ack is the acknowledgment a device publishes back after executing a
// command.
type Ack struct {
	CorrelationID string `json:"correlation_id"`
	DeviceID      string `json:"device_id"`
	Success       bool   `json:"success"`
	Detail        string `json:"detail,omitempty"`
}

// recentCommandCap bounds the correlation table used to match inbound acks.
const recentCommandCap = 256

// Relay is the in-process pub/sub hub. A single mutex guards both interest
// maps; no method blocks on network I/O while holding it except the
// per-channel Send calls, which are expected to be non-blocking writes into
// the transport's own buffer.
type Relay struct {
	bus     CommandBus
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	channels map[string]map[Channel]struct{} // subscriber id → open channels
	interest map[string]map[string]struct{}  // device id → subscriber ids

	// recent maps correlation id → issue time so inbound acks can be logged
	// as matched or unmatched. Bounded FIFO eviction.
	recent      map[string]time.Time
	recentOrder []string
}

// Option is a functional option for [New].
type Option func(*Relay)

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithMetrics attaches OTel instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// New creates a relay publishing commands through bus.
func New(bus CommandBus, opts ...Option) *Relay {
	r := &Relay{
		bus:      bus,
		log:      slog.Default(),
		channels: make(map[string]map[Channel]struct{}),
		interest: make(map[string]map[string]struct{}),
		recent:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach registers an open channel for a subscriber. A subscriber may hold
// several channels (for example one per browser tab); broadcasts go to all of
// them.
func (r *Relay) Attach(subscriberID string, ch Channel) {
	r.mu.Lock()
	set, ok := r.channels[subscriberID]
	if !ok {
		set = make(map[Channel]struct{})
		r.channels[subscriberID] = set
	}
	_, existed := set[ch]
	set[ch] = struct{}{}
	r.mu.Unlock()

	if !existed && r.metrics != nil {
		r.metrics.Subscribers.Add(context.Background(), 1)
	}
}

// Subscribe records subscriberID's interest in deviceID's events. Idempotent.
func (r *Relay) Subscribe(subscriberID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.interest[deviceID]
	if !ok {
		set = make(map[string]struct{})
		r.interest[deviceID] = set
	}
	set[subscriberID] = struct{}{}
}

// Unsubscribe removes subscriberID's interest in deviceID. Idempotent; the
// device entry is removed entirely when its last subscriber leaves.
func (r *Relay) Unsubscribe(subscriberID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropInterestLocked(subscriberID, deviceID)
}

func (r *Relay) dropInterestLocked(subscriberID, deviceID string) {
	set, ok := r.interest[deviceID]
	if !ok {
		return
	}
	delete(set, subscriberID)
	if len(set) == 0 {
		delete(r.interest, deviceID)
	}
}

// Disconnect removes one channel of a subscriber. When it was the
// subscriber's last channel, all of that subscriber's device interests are
// dropped as well. The channel itself is not closed; the transport owns that.
func (r *Relay) Disconnect(subscriberID string, ch Channel) {
	r.mu.Lock()
	removed := r.removeChannelLocked(subscriberID, ch)
	r.mu.Unlock()

	if removed && r.metrics != nil {
		r.metrics.Subscribers.Add(context.Background(), -1)
	}
}

func (r *Relay) removeChannelLocked(subscriberID string, ch Channel) bool {
	set, ok := r.channels[subscriberID]
	if !ok {
		return false
	}
	if _, ok := set[ch]; !ok {
		return false
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(r.channels, subscriberID)
		for deviceID := range r.interest {
			r.dropInterestLocked(subscriberID, deviceID)
		}
	}
	return true
}

// BroadcastToSubscribers delivers message to every channel of every
// subscriber interested in deviceID. A send failure removes only the broken
// channel (the transport is closed best-effort); other subscribers always
// still receive the message.
func (r *Relay) BroadcastToSubscribers(ctx context.Context, deviceID string, message []byte) {
	r.mu.Lock()
	type target struct {
		subscriberID string
		ch           Channel
	}
	var targets []target
	for subscriberID := range r.interest[deviceID] {
		for ch := range r.channels[subscriberID] {
			targets = append(targets, target{subscriberID, ch})
		}
	}
	r.mu.Unlock()

	for _, tg := range targets {
		err := tg.ch.Send(message)
		if err == nil {
			if r.metrics != nil {
				r.metrics.RecordBroadcast(ctx, "sent")
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.RecordBroadcast(ctx, "failed")
		}
		r.log.LogAttrs(ctx, slog.LevelWarn, "dropping broken subscriber channel",
			slog.String("subscriber_id", tg.subscriberID),
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
		_ = tg.ch.Close()

		r.mu.Lock()
		removed := r.removeChannelLocked(tg.subscriberID, tg.ch)
		r.mu.Unlock()
		if removed && r.metrics != nil {
			r.metrics.Subscribers.Add(ctx, -1)
		}
	}
}

// SendCommand publishes a command envelope to deviceID's command topic and
// returns the generated correlation id. Fire-and-forget: the device's
// acknowledgment arrives asynchronously via [Relay.HandleAck].
func (r *Relay) SendCommand(ctx context.Context, deviceID, commandType, action string, params map[string]any) (string, error) {
	ctx, span := observe.StartSpan(ctx, "relay.send_command")
	defer span.End()

	cmd := Command{
		CorrelationID: uuid.NewString(),
		Type:          commandType,
		Action:        action,
		Params:        params,
		IssuedAt:      time.Now().UTC(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("relay: marshal command: %w", err)
	}

	topic := CommandTopic(deviceID)
	if err := r.bus.Publish(ctx, topic, payload); err != nil {
		return "", fmt.Errorf("relay: publish command to %s: %w", topic, err)
	}

	r.rememberCommand(cmd.CorrelationID, cmd.IssuedAt)

	if r.metrics != nil {
		r.metrics.CommandsSent.Add(ctx, 1)
	}
	r.log.LogAttrs(ctx, slog.LevelInfo, "command dispatched",
		slog.String("device_id", deviceID),
		slog.String("correlation_id", cmd.CorrelationID),
		slog.String("type", commandType),
		slog.String("action", action),
	)
	return cmd.CorrelationID, nil
}

func (r *Relay) rememberCommand(correlationID string, issuedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent[correlationID] = issuedAt
	r.recentOrder = append(r.recentOrder, correlationID)
	for len(r.recentOrder) > recentCommandCap {
		evict := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recent, evict)
	}
}

// HandleAck processes an inbound device acknowledgment. Acks are matched
// against the recent-command table and logged; no caller is blocked waiting
// for them.
func (r *Relay) HandleAck(ctx context.Context, payload []byte) {
	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "discarding malformed ack",
			slog.String("error", err.Error()),
		)
		return
	}

	r.mu.Lock()
	issuedAt, matched := r.recent[ack.CorrelationID]
	if matched {
		delete(r.recent, ack.CorrelationID)
	}
	r.mu.Unlock()

	if matched {
		r.log.LogAttrs(ctx, slog.LevelInfo, "command acknowledged",
			slog.String("device_id", ack.DeviceID),
			slog.String("correlation_id", ack.CorrelationID),
			slog.Bool("success", ack.Success),
			slog.Duration("round_trip", time.Since(issuedAt)),
		)
		return
	}
	r.log.LogAttrs(ctx, slog.LevelWarn, "unmatched ack",
		slog.String("device_id", ack.DeviceID),
		slog.String("correlation_id", ack.CorrelationID),
	)
}

// SubscriberCount returns the number of subscribers with at least one open
// channel.
func (r *Relay) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// InterestCount returns the number of subscribers interested in deviceID.
func (r *Relay) InterestCount(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interest[deviceID])
}

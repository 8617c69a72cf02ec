// Package wsfeed exposes the subscriber-facing WebSocket endpoint. Every
// accepted connection becomes one relay channel; inbound control frames
// mutate the client's device subscriptions, outbound frames carry the
// relay's event fan-out.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/futurianh1k/edgevoice/internal/relay"
)

// Registry is the subset of the relay the feed needs. *relay.Relay
// implements it.
type Registry interface {
	Attach(subscriberID string, ch relay.Channel)
	Subscribe(subscriberID, deviceID string)
	Unsubscribe(subscriberID, deviceID string)
	Disconnect(subscriberID string, ch relay.Channel)
}

// controlFrame is the JSON message clients send to manage subscriptions.
type controlFrame struct {
	Op       string `json:"op"`
	DeviceID string `json:"device_id"`
}

const defaultWriteTimeout = 5 * time.Second

// Handler is the WebSocket Accept handler. Mount it on the HTTP mux.
type Handler struct {
	reg          Registry
	log          *slog.Logger
	writeTimeout time.Duration

	// acceptOpts is set by tests to allow non-browser origins.
	acceptOpts *websocket.AcceptOptions
}

var _ http.Handler = (*Handler)(nil)

// Option is a functional option for [NewHandler].
type Option func(*Handler)

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithWriteTimeout bounds each outbound frame write. Defaults to 5 s.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithAcceptOptions overrides the websocket accept options.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(h *Handler) { h.acceptOpts = opts }
}

// NewHandler creates the feed handler registering connections with reg.
func NewHandler(reg Registry, opts ...Option) *Handler {
	h := &Handler{
		reg:          reg,
		log:          slog.Default(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the connection and runs the control-frame read loop
// until the client disconnects. The subscriber id is taken from the
// subscriber_id query parameter, or generated when absent.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	conn, err := websocket.Accept(w, r, h.acceptOpts)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}

	ch := &wsChannel{conn: conn, timeout: h.writeTimeout}
	h.reg.Attach(subscriberID, ch)
	defer h.reg.Disconnect(subscriberID, ch)
	defer conn.Close(websocket.StatusNormalClosure, "")

	h.log.Info("subscriber connected", "subscriber_id", subscriberID)
	h.readLoop(r.Context(), conn, subscriberID)
	h.log.Info("subscriber disconnected", "subscriber_id", subscriberID)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, subscriberID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				h.log.Debug("websocket read ended", "subscriber_id", subscriberID, "error", err)
			}
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.log.Warn("discarding malformed control frame",
				"subscriber_id", subscriberID, "error", err)
			continue
		}

		switch frame.Op {
		case "subscribe":
			if frame.DeviceID != "" {
				h.reg.Subscribe(subscriberID, frame.DeviceID)
			}
		case "unsubscribe":
			if frame.DeviceID != "" {
				h.reg.Unsubscribe(subscriberID, frame.DeviceID)
			}
		default:
			h.log.Warn("unknown control op",
				"subscriber_id", subscriberID, "op", frame.Op)
		}
	}
}

// wsChannel adapts one websocket connection to the relay.Channel interface.
type wsChannel struct {
	conn    *websocket.Conn
	timeout time.Duration
}

var _ relay.Channel = (*wsChannel)(nil)

// Send writes one text frame with a per-message timeout. A failed write
// makes the relay prune this channel.
func (c *wsChannel) Send(msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// Close terminates the connection.
func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

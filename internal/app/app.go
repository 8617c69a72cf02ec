// Package app wires the edgevoice subsystems into a running server.
//
// New constructs and connects every component from the config: the decode
// engine, the evaluator, the delivery queue, the relay, the alert manager,
// the liveness monitor, the session manager, and the optional MQTT device
// channel. Run starts the workers and the HTTP surface and blocks until the
// context is cancelled; Shutdown tears everything down in order.
//
// For testing, inject fakes via functional options (WithDecoder, WithSink,
// WithDeviceRepo, WithNotifier). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/futurianh1k/edgevoice/internal/alert"
	"github.com/futurianh1k/edgevoice/internal/config"
	"github.com/futurianh1k/edgevoice/internal/delivery"
	"github.com/futurianh1k/edgevoice/internal/devicestore"
	"github.com/futurianh1k/edgevoice/internal/evaluate"
	"github.com/futurianh1k/edgevoice/internal/health"
	"github.com/futurianh1k/edgevoice/internal/liveness"
	"github.com/futurianh1k/edgevoice/internal/mqttbus"
	"github.com/futurianh1k/edgevoice/internal/observe"
	"github.com/futurianh1k/edgevoice/internal/relay"
	"github.com/futurianh1k/edgevoice/internal/session"
	"github.com/futurianh1k/edgevoice/internal/wsfeed"
	"github.com/futurianh1k/edgevoice/pkg/decoder"
	"github.com/futurianh1k/edgevoice/pkg/decoder/whisper"
)

// ErrChannelDisabled is returned for device commands when no MQTT broker is
// configured.
var ErrChannelDisabled = errors.New("app: device channel disabled")

// commandBus gives the relay a publish target before the MQTT client exists.
// The relay is constructed first (the client's ack handler needs it); the
// client is bound afterwards. A nil client means the channel is disabled.
type commandBus struct {
	mu sync.Mutex
	c  *mqttbus.Client
}

func (b *commandBus) bind(c *mqttbus.Client) {
	b.mu.Lock()
	b.c = c
	b.mu.Unlock()
}

// Publish implements [relay.CommandBus].
func (b *commandBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	c := b.c
	b.mu.Unlock()
	if c == nil {
		return ErrChannelDisabled
	}
	return c.Publish(ctx, topic, payload)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics
	log     *slog.Logger

	// Injectable capabilities.
	dec      decoder.Engine
	repo     devicestore.Repo
	sink     delivery.Sink
	notifier alert.Notifier

	// Subsystems — initialised in New, torn down in Shutdown.
	eval     *evaluate.Evaluator
	queue    *delivery.Queue
	relay    *relay.Relay
	alerts   *alert.Manager
	monitor  *liveness.Monitor
	sessions *session.Manager
	bus      *mqttbus.Client
	feed     *wsfeed.Handler
	checks   *health.Handler

	srv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDecoder injects a decode engine instead of loading the whisper model.
func WithDecoder(d decoder.Engine) Option {
	return func(a *App) { a.dec = d }
}

// WithDeviceRepo injects a device repository instead of creating one from
// config.
func WithDeviceRepo(r devicestore.Repo) Option {
	return func(a *App) { a.repo = r }
}

// WithSink injects a delivery sink instead of the HTTP sink.
func WithSink(s delivery.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithNotifier injects an alert notifier instead of the webhook notifier.
func WithNotifier(n alert.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Construction is
// synchronous: the whisper model is loaded, the device store is connected and
// migrated, and every component is bound before New returns. No goroutines
// run until [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initDecoder(); err != nil {
		return nil, fmt.Errorf("app: init decoder: %w", err)
	}
	if err := a.initDeviceStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init device store: %w", err)
	}

	a.eval = evaluate.New(cfg.Alerts.References, cfg.Alerts.EmergencyKeywords())

	a.initDelivery()
	bus := a.initRelay()
	a.initAlerts()
	a.initLiveness()
	a.initSessions()
	a.initChannel(bus)

	a.feed = wsfeed.NewHandler(a.relay)
	a.initHealth()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDecoder() error {
	if a.dec != nil {
		return nil
	}
	var wopts []whisper.Option
	if a.cfg.Decoder.Language != "" {
		wopts = append(wopts, whisper.WithLanguage(a.cfg.Decoder.Language))
	}
	eng, err := whisper.New(a.cfg.Decoder.ModelPath, wopts...)
	if err != nil {
		return err
	}
	a.dec = eng
	a.closers = append(a.closers, eng.Close)
	return nil
}

func (a *App) initDeviceStore(ctx context.Context) error {
	if a.repo != nil {
		return nil
	}
	if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
		store, err := devicestore.NewPostgresStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.repo = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		return nil
	}
	a.repo = devicestore.NewInMemory()
	return nil
}

func (a *App) initDelivery() {
	if a.sink == nil {
		// The breaker stops a collapsed collector from eating the retry
		// budget of every queued record.
		a.sink = delivery.NewBreakerSink(delivery.NewHTTPSink(), delivery.BreakerConfig{})
	}

	qopts := []delivery.Option{delivery.WithMetrics(a.metrics)}
	d := a.cfg.Delivery
	if d.Capacity > 0 {
		qopts = append(qopts, delivery.WithCapacity(d.Capacity))
	}
	if d.BatchSize > 0 {
		qopts = append(qopts, delivery.WithBatchSize(d.BatchSize))
	}
	if d.MaxRetries > 0 {
		qopts = append(qopts, delivery.WithMaxRetries(d.MaxRetries))
	}
	if d.BaseDelayMs > 0 {
		qopts = append(qopts, delivery.WithBaseDelay(time.Duration(d.BaseDelayMs)*time.Millisecond))
	}

	a.queue = delivery.NewQueue(a.sink, d.Endpoint, qopts...)
	a.closers = append(a.closers, a.queue.Close)
}

func (a *App) initRelay() *commandBus {
	bus := &commandBus{}
	a.relay = relay.New(bus, relay.WithMetrics(a.metrics))
	return bus
}

func (a *App) initAlerts() {
	if a.notifier == nil {
		if url := a.cfg.Alerts.WebhookURL; url != "" {
			a.notifier = alert.NewWebhookNotifier(url)
		} else {
			a.notifier = alert.NopNotifier{}
		}
	}
	a.alerts = alert.NewManager(a.notifier,
		alert.WithTiers(a.cfg.Alerts.AlertTiers()),
		alert.WithMetrics(a.metrics),
	)
}

func (a *App) initLiveness() {
	lopts := []liveness.Option{liveness.WithMetrics(a.metrics)}
	l := a.cfg.Liveness
	if l.SweepIntervalSec > 0 {
		lopts = append(lopts, liveness.WithSweepInterval(time.Duration(l.SweepIntervalSec)*time.Second))
	}
	if l.OfflineThresholdSec > 0 {
		lopts = append(lopts, liveness.WithOfflineThreshold(time.Duration(l.OfflineThresholdSec)*time.Second))
	}
	a.monitor = liveness.NewMonitor(a.repo, a.relay, lopts...)
	a.closers = append(a.closers, a.monitor.Close)
}

func (a *App) initSessions() {
	a.sessions = session.NewManager(a.dec, a.eval, a.queue, a.relay,
		session.WithVADConfig(a.cfg.VAD.SegmenterConfig()),
		session.WithAlerter(a.alerts),
		session.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.sessions.Close)
}

// initChannel creates the MQTT client when a broker is configured and binds
// it to the relay's command bus. Inbound heartbeats feed the liveness
// monitor, acks feed the relay, and device events are relayed to subscribers
// as-is.
func (a *App) initChannel(bus *commandBus) {
	m := a.cfg.MQTT
	if m.BrokerURL == "" {
		return
	}

	clientID := m.ClientID
	if clientID == "" {
		clientID = "edgevoice"
	}

	a.bus = mqttbus.New(mqttbus.Config{
		BrokerURL: m.BrokerURL,
		ClientID:  clientID,
		Username:  m.Username,
		Password:  m.Password,
	},
		mqttbus.WithHeartbeatHandler(a.monitor),
		mqttbus.WithAckHandler(a.relay),
		mqttbus.WithEventHandler(func(ctx context.Context, deviceID string, payload []byte) {
			a.relay.BroadcastToSubscribers(ctx, deviceID, payload)
		}),
	)
	bus.bind(a.bus)
	a.closers = append(a.closers, a.bus.Close)
}

func (a *App) initHealth() {
	var checkers []health.Checker
	if p, ok := a.repo.(health.Pinger); ok {
		checkers = append(checkers, health.DeviceStore(p))
	}
	if a.bus != nil {
		checkers = append(checkers, health.Broker(a.bus.Connected))
	}
	if url := a.cfg.Delivery.Endpoint; url != "" {
		checkers = append(checkers, health.Endpoint("event_sink", url, nil))
	}
	if url := a.cfg.Alerts.WebhookURL; url != "" {
		checkers = append(checkers, health.Endpoint("alert_webhook", url, nil))
	}
	a.checks = health.New(checkers...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the device channel, starts the background workers and the
// HTTP server, and blocks until ctx is cancelled or a worker fails.
func (a *App) Run(ctx context.Context) error {
	if a.bus != nil {
		if err := a.bus.Connect(ctx); err != nil {
			return fmt.Errorf("app: connect device channel: %w", err)
		}
	}

	a.queue.Start(ctx)
	a.monitor.Start(ctx)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(a.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(shCtx)
	})

	a.log.LogAttrs(ctx, slog.LevelInfo, "edgevoice running",
		slog.String("listen_addr", addr),
		slog.Bool("device_channel", a.bus != nil),
	)
	return g.Wait()
}

// ApplyDiff applies a hot-reloadable config change to the running app.
// Log-level changes are handled by the caller (main owns the level var).
func (a *App) ApplyDiff(d config.ConfigDiff, cfg *config.Config) {
	if d.AlertsChanged {
		a.eval = evaluate.New(cfg.Alerts.References, cfg.Alerts.EmergencyKeywords())
		a.sessions.SetEvaluator(a.eval)
		a.alerts.SetTiers(cfg.Alerts.AlertTiers())
		a.log.Info("alert keywords and tiers reloaded",
			"keywords", len(cfg.Alerts.EmergencyKeywords()),
		)
	}
	if d.DeliveryTuningChanged {
		a.log.Warn("delivery tuning changed in config; takes effect on restart")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse construction order, so
// sessions finalize while the queue and the decode engine are still open. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

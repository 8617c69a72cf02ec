// Package liveness infers device online/offline state from heartbeat
// recency.
//
// A periodic sweep compares each online device's last heartbeat against an
// offline threshold; stale devices are flipped offline and the transition is
// announced through the relay exactly once per offline episode. Inbound
// heartbeats take the opposite path immediately, outside the sweep cycle.
package liveness

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/futurianh1k/edgevoice/internal/devicestore"
	"github.com/futurianh1k/edgevoice/internal/observe"
)

const (
	defaultSweepInterval    = 30 * time.Second
	defaultOfflineThreshold = 60 * time.Second
)

// Announcer fans a status message out to every subscriber of a device. The
// relay implements this.
type Announcer interface {
	BroadcastToSubscribers(ctx context.Context, deviceID string, message []byte)
}

// StatusMessage is the JSON payload announced on liveness transitions.
type StatusMessage struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// Monitor runs the periodic liveness sweep and the immediate heartbeat path.
// All methods are safe for concurrent use.
type Monitor struct {
	repo      devicestore.Repo
	announcer Announcer

	sweepInterval    time.Duration
	offlineThreshold time.Duration
	now              func() time.Time

	log     *slog.Logger
	metrics *observe.Metrics

	mu sync.Mutex
	// announced holds devices whose offline transition was already broadcast;
	// cleared when a fresh heartbeat arrives.
	announced map[string]struct{}

	started bool

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Option is a functional option for [NewMonitor].
type Option func(*Monitor)

// WithSweepInterval sets the sweep period. Defaults to 30 s.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithOfflineThreshold sets the heartbeat staleness threshold. Defaults to 60 s.
func WithOfflineThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.offlineThreshold = d
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithMetrics attaches OTel instruments.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = met }
}

// NewMonitor creates a liveness monitor over repo, announcing transitions
// through announcer.
func NewMonitor(repo devicestore.Repo, announcer Announcer, opts ...Option) *Monitor {
	m := &Monitor{
		repo:             repo,
		announcer:        announcer,
		sweepInterval:    defaultSweepInterval,
		offlineThreshold: defaultOfflineThreshold,
		now:              time.Now,
		log:              slog.Default(),
		announced:        make(map[string]struct{}),
		done:             make(chan struct{}),
		stopped:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the periodic sweep. The sweep stops when ctx is cancelled
// or [Monitor.Close] is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.stopped)
		t := time.NewTicker(m.sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-t.C:
				m.SweepOnce(ctx)
			}
		}
	}()
}

// Close stops the periodic sweep and waits for it to exit. Safe to call more
// than once, and before Start.
func (m *Monitor) Close() error {
	m.once.Do(func() { close(m.done) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.stopped
	}
	return nil
}

// SweepOnce runs one liveness pass over all online devices. Devices whose
// last heartbeat is older than the offline threshold are flipped offline and
// announced, at most once per offline episode.
func (m *Monitor) SweepOnce(ctx context.Context) {
	devices, err := m.repo.ListOnline(ctx)
	if err != nil {
		m.log.LogAttrs(ctx, slog.LevelError, "liveness sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}

	now := m.now()
	for _, d := range devices {
		if now.Sub(d.LastHeartbeat) <= m.offlineThreshold {
			continue
		}
		if err := m.repo.SetOnline(ctx, d.ID, false); err != nil {
			m.log.LogAttrs(ctx, slog.LevelError, "failed to flag device offline",
				slog.String("device_id", d.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.mu.Lock()
		_, already := m.announced[d.ID]
		if !already {
			m.announced[d.ID] = struct{}{}
		}
		m.mu.Unlock()
		if already {
			continue
		}

		m.log.LogAttrs(ctx, slog.LevelWarn, "device went offline",
			slog.String("device_id", d.ID),
			slog.Time("last_heartbeat", d.LastHeartbeat),
		)
		if m.metrics != nil {
			m.metrics.OfflineTransitions.Add(ctx, 1)
		}
		m.announce(ctx, d.ID, false, now)
	}
}

// HandleHeartbeat records a heartbeat for deviceID. When the device was
// offline it is flipped back online immediately, independent of the sweep,
// and the transition is announced.
func (m *Monitor) HandleHeartbeat(ctx context.Context, deviceID string, ts time.Time) error {
	if err := m.repo.UpdateHeartbeat(ctx, deviceID, ts); err != nil {
		return err
	}

	d, err := m.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.Online {
		return nil
	}

	if err := m.repo.SetOnline(ctx, deviceID, true); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.announced, deviceID)
	m.mu.Unlock()

	m.log.LogAttrs(ctx, slog.LevelInfo, "device back online",
		slog.String("device_id", deviceID),
	)
	m.announce(ctx, deviceID, true, ts)
	return nil
}

func (m *Monitor) announce(ctx context.Context, deviceID string, online bool, ts time.Time) {
	msg, err := json.Marshal(StatusMessage{
		Type:      "device_status",
		DeviceID:  deviceID,
		Online:    online,
		Timestamp: ts.UTC(),
	})
	if err != nil {
		return
	}
	m.announcer.BroadcastToSubscribers(ctx, deviceID, msg)
}

// Package session exposes the pipeline's session-control surface: start a
// speech-recognition engagement on a device, feed it audio frames, and stop
// it for a terminal summary.
//
// Each finalized utterance is evaluated for emergency keywords, enqueued for
// remote delivery, broadcast through the relay, and — when emergency-flagged
// — raised as an alert. A decode-engine failure tears down only the affected
// session; other sessions keep running.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/futurianh1k/edgevoice/internal/alert"
	"github.com/futurianh1k/edgevoice/internal/delivery"
	"github.com/futurianh1k/edgevoice/internal/evaluate"
	"github.com/futurianh1k/edgevoice/internal/observe"
	"github.com/futurianh1k/edgevoice/internal/vad"
	"github.com/futurianh1k/edgevoice/pkg/decoder"
)

// ErrNotFound is returned for unknown or already-stopped session ids.
var ErrNotFound = errors.New("session: not found")

// Enqueuer accepts delivery records. The delivery queue implements this.
type Enqueuer interface {
	Enqueue(r delivery.Record) error
}

// Broadcaster fans an event out to a device's subscribers. The relay
// implements this.
type Broadcaster interface {
	BroadcastToSubscribers(ctx context.Context, deviceID string, message []byte)
}

// Alerter raises an emergency alert. The alert manager implements this.
type Alerter interface {
	Raise(ctx context.Context, deviceID, text string, keywords []string) alert.Record
}

// State is a session's lifecycle state.
type State int

const (
	StateActive State = iota
	StateStopped
)

// String returns the state name used in snapshots.
func (s State) String() string {
	if s == StateActive {
		return "ACTIVE"
	}
	return "STOPPED"
}

// Snapshot is a point-in-time view of one session.
type Snapshot struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	Language   string        `json:"language"`
	VADEnabled bool          `json:"vad_enabled"`
	State      string        `json:"state"`
	Segments   int           `json:"segments"`
	LastText   string        `json:"last_text"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed_ms"`
}

// Summary is the terminal report returned by [Manager.Stop].
type Summary struct {
	SessionID      string        `json:"session_id"`
	Segments       int           `json:"segments"`
	SpeechDuration time.Duration `json:"speech_duration_ms"`
}

// EventMessage is the JSON payload broadcast for every finalized utterance.
type EventMessage struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Duration  int64     `json:"duration_ms"`
	Emergency bool      `json:"emergency"`
	Keywords  []string  `json:"keywords,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// session is one active engagement. Frame pushes are serialised by mu; the
// segmenter itself is not concurrency-safe.
type session struct {
	id         string
	deviceID   string
	language   string
	vadEnabled bool
	startedAt  time.Time

	mu       sync.Mutex
	seg      *vad.Segmenter
	lastText string
}

// Manager owns all live sessions. Safe for concurrent use.
type Manager struct {
	dec     decoder.Engine
	eval    *evaluate.Evaluator
	queue   Enqueuer
	relay   Broadcaster
	alerts  Alerter
	vadCfg  vad.Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithVADConfig sets the segmenter tuning shared by all sessions.
func WithVADConfig(cfg vad.Config) Option {
	return func(m *Manager) { m.vadCfg = cfg }
}

// WithAlerter attaches an emergency alert sink. When nil, emergencies are
// still flagged on events but no alert records are raised.
func WithAlerter(a Alerter) Option {
	return func(m *Manager) { m.alerts = a }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics attaches OTel instruments.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// NewManager creates a session manager. dec is shared across sessions;
// eval scores every finalized utterance; queue and relay receive every
// recognition event.
func NewManager(dec decoder.Engine, eval *evaluate.Evaluator, queue Enqueuer, relay Broadcaster, opts ...Option) *Manager {
	m := &Manager{
		dec:      dec,
		eval:     eval,
		queue:    queue,
		relay:    relay,
		log:      slog.Default(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens a new session on deviceID and returns its id. Disabling VAD
// turns off silence-based finalization: the whole stream is treated as one
// utterance, finalized at Stop.
func (m *Manager) Start(ctx context.Context, deviceID, language string, vadEnabled bool) (string, error) {
	cfg := m.vadCfg
	if !vadEnabled {
		cfg.EnergyThreshold = -1
	}

	s := &session{
		id:         uuid.NewString(),
		deviceID:   deviceID,
		language:   language,
		vadEnabled: vadEnabled,
		startedAt:  time.Now(),
		seg:        vad.New(cfg, m.dec),
	}
	if err := s.seg.StartSession(); err != nil {
		return "", fmt.Errorf("session: start for device %s: %w", deviceID, err)
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	m.log.LogAttrs(ctx, slog.LevelInfo, "session started",
		slog.String("session_id", s.id),
		slog.String("device_id", deviceID),
		slog.String("language", language),
		slog.Bool("vad_enabled", vadEnabled),
	)
	return s.id, nil
}

// PushFrame feeds PCM samples into a session. A finalized utterance is
// evaluated, queued, broadcast, and returned. A decode failure tears the
// session down and is returned to the caller; other sessions are unaffected.
func (m *Manager) PushFrame(ctx context.Context, sessionID string, samples []int16) (*vad.Utterance, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	utt, err := s.seg.PushFrame(ctx, samples)
	s.mu.Unlock()

	if err != nil {
		m.teardown(ctx, s, err)
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if utt != nil {
		m.handleUtterance(ctx, s, utt)
	}
	return utt, nil
}

// Stop finalizes any buffered speech, removes the session, and returns the
// terminal summary.
func (m *Manager) Stop(ctx context.Context, sessionID string) (Summary, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Summary{}, err
	}

	s.mu.Lock()
	sum, final, err := s.seg.StopSession(ctx)
	s.mu.Unlock()

	// The summary already counts the forced-final utterance; it still needs
	// routing like any other.
	if final != nil {
		m.handleUtterance(ctx, s, final)
	}

	m.remove(ctx, sessionID)
	m.log.LogAttrs(ctx, slog.LevelInfo, "session stopped",
		slog.String("session_id", sessionID),
		slog.Int("segments", sum.Segments),
		slog.Duration("speech_duration", sum.SpeechDuration),
	)
	if err != nil {
		return Summary{}, fmt.Errorf("session %s: stop: %w", sessionID, err)
	}
	return Summary{
		SessionID:      sessionID,
		Segments:       sum.Segments,
		SpeechDuration: sum.SpeechDuration,
	}, nil
}

// Status returns a snapshot of one session.
func (m *Manager) Status(sessionID string) (Snapshot, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:         s.id,
		DeviceID:   s.deviceID,
		Language:   s.language,
		VADEnabled: s.vadEnabled,
		State:      StateActive.String(),
		Segments:   s.seg.Segments(),
		LastText:   s.lastText,
		StartedAt:  s.startedAt,
		Elapsed:    time.Since(s.startedAt),
	}, nil
}

// SetEvaluator swaps the keyword evaluator. Used by config hot reload;
// in-flight utterances keep the evaluator they started with.
func (m *Manager) SetEvaluator(ev *evaluate.Evaluator) {
	m.mu.Lock()
	m.eval = ev
	m.mu.Unlock()
}

func (m *Manager) evaluator() *evaluate.Evaluator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eval
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops all live sessions. Buffered speech is finalized best-effort.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, id := range ids {
		if _, err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.log.LogAttrs(ctx, slog.LevelWarn, "error stopping session during shutdown",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return s, nil
}

func (m *Manager) remove(ctx context.Context, sessionID string) {
	m.mu.Lock()
	_, existed := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if existed && m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
}

// teardown removes a session after a fatal per-session failure.
func (m *Manager) teardown(ctx context.Context, s *session, cause error) {
	m.remove(ctx, s.id)
	m.log.LogAttrs(ctx, slog.LevelError, "session torn down",
		slog.String("session_id", s.id),
		slog.String("device_id", s.deviceID),
		slog.String("error", cause.Error()),
	)
}

// handleUtterance scores one finalized utterance and routes it to the
// delivery queue, the relay, and (for emergencies) the alert manager.
func (m *Manager) handleUtterance(ctx context.Context, s *session, utt *vad.Utterance) {
	eval := m.evaluator()
	keywords := eval.DetectKeywords(utt.Text)
	emergency := len(keywords) > 0
	now := time.Now().UTC()

	s.mu.Lock()
	s.lastText = utt.Text
	s.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordUtterance(ctx, s.deviceID, emergency)
	}

	err := m.queue.Enqueue(delivery.Record{
		DeviceID:  s.deviceID,
		SessionID: s.id,
		Text:      utt.Text,
		Timestamp: now,
		Duration:  utt.Duration,
		Emergency: emergency,
		Keywords:  keywords,
	})
	if err != nil {
		// Backpressure or shutdown; the event still reaches live subscribers.
		m.log.LogAttrs(ctx, slog.LevelWarn, "delivery enqueue rejected",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
	}

	msg, err := json.Marshal(EventMessage{
		Type:      "utterance",
		DeviceID:  s.deviceID,
		SessionID: s.id,
		Text:      utt.Text,
		Duration:  utt.Duration.Milliseconds(),
		Emergency: emergency,
		Keywords:  keywords,
		Timestamp: now,
	})
	if err == nil {
		m.relay.BroadcastToSubscribers(ctx, s.deviceID, msg)
	}

	if m.alerts == nil {
		return
	}
	if emergency {
		m.alerts.Raise(ctx, s.deviceID, utt.Text, keywords)
		return
	}

	// No exact hit: a close-but-garbled keyword still raises an alert, but
	// the event itself stays non-emergency.
	if hits := eval.NearMissKeywords(utt.Text, 0); len(hits) > 0 {
		near := make([]string, len(hits))
		for i, h := range hits {
			near[i] = h.Keyword
		}
		m.log.LogAttrs(ctx, slog.LevelInfo, "near-miss emergency keywords",
			slog.String("session_id", s.id),
			slog.Any("keywords", near),
		)
		m.alerts.Raise(ctx, s.deviceID, utt.Text, near)
	}
}

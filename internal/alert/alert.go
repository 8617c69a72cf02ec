// Package alert turns emergency-flagged utterances into prioritized alert
// records and dispatches them to an external notification target.
//
// Priorities are derived from the matched keywords via four ordered tiers,
// checked severity-first. An alert's status advances PENDING → SENT or
// FAILED on dispatch, and may later be acknowledged by an operator, which is
// terminal.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/futurianh1k/edgevoice/internal/observe"
)

// Priority orders alerts by severity.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the priority name used in logs and payloads.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// Status is the alert lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusFailed
	StatusAcknowledged
)

// String returns the status name used in logs and payloads.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSent:
		return "SENT"
	case StatusFailed:
		return "FAILED"
	case StatusAcknowledged:
		return "ACKNOWLEDGED"
	default:
		return "UNKNOWN"
	}
}

// Tiers maps severity levels to their trigger terms. A keyword belongs to a
// tier when it contains any of the tier's terms (substring match on the
// lowercased keyword, so inflected forms still hit).
type Tiers struct {
	Critical []string
	High     []string
	Medium   []string
}

// DefaultTiers returns the built-in Korean and English trigger terms.
func DefaultTiers() Tiers {
	return Tiers{
		Critical: []string{"쓰러졌", "의식", "숨을 안", "collapsed", "unconscious"},
		High:     []string{"도와줘", "살려", "help", "rescue"},
		Medium:   []string{"아파", "불편", "pain", "discomfort"},
	}
}

// CalculatePriority returns the severity of the given matched keywords,
// checking tiers in severity order so the most severe match wins.
func (t Tiers) CalculatePriority(keywords []string) Priority {
	contains := func(terms []string) bool {
		for _, kw := range keywords {
			kw = strings.ToLower(kw)
			for _, term := range terms {
				if strings.Contains(kw, strings.ToLower(term)) {
					return true
				}
			}
		}
		return false
	}

	switch {
	case contains(t.Critical):
		return PriorityCritical
	case contains(t.High):
		return PriorityHigh
	case contains(t.Medium):
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Record is one emergency notification.
type Record struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Text      string    `json:"text"`
	Keywords  []string  `json:"keywords"`
	Priority  Priority  `json:"-"`
	Status    Status    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	AckBy     string    `json:"ack_by,omitempty"`
	AckAt     time.Time `json:"ack_at,omitzero"`

	// LastError holds the dispatch failure, if any.
	LastError string `json:"last_error,omitempty"`
}

// Notifier dispatches one alert to an external target (pager, webhook,
// messaging service).
type Notifier interface {
	Notify(ctx context.Context, rec Record) error
}

var (
	// ErrNotFound is returned by [Manager.Acknowledge] for unknown alert ids.
	ErrNotFound = errors.New("alert: not found")

	// ErrAcknowledged is returned when acknowledging an already-terminal alert.
	ErrAcknowledged = errors.New("alert: already acknowledged")
)

const defaultHistorySize = 200

// Manager creates, dispatches, and tracks recent alerts. Safe for concurrent
// use.
type Manager struct {
	notifier Notifier
	tiers    Tiers
	log      *slog.Logger
	metrics  *observe.Metrics

	mu          sync.Mutex
	history     map[string]*Record
	order       []string
	historySize int
}

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithTiers replaces the default priority tiers.
func WithTiers(t Tiers) Option {
	return func(m *Manager) { m.tiers = t }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics attaches OTel instruments.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithHistorySize bounds the in-memory alert history. Defaults to 200.
func WithHistorySize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// NewManager creates an alert manager dispatching through notifier.
func NewManager(notifier Notifier, opts ...Option) *Manager {
	m := &Manager{
		notifier:    notifier,
		tiers:       DefaultTiers(),
		log:         slog.Default(),
		history:     make(map[string]*Record),
		historySize: defaultHistorySize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Raise creates an alert for an emergency utterance and dispatches it. The
// returned record carries the terminal dispatch status (SENT or FAILED); a
// dispatch failure is reflected in the record, not returned as an error.
func (m *Manager) Raise(ctx context.Context, deviceID, text string, keywords []string) Record {
	m.mu.Lock()
	tiers := m.tiers
	m.mu.Unlock()

	rec := &Record{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Text:      text,
		Keywords:  append([]string(nil), keywords...),
		Priority:  tiers.CalculatePriority(keywords),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if m.metrics != nil {
		m.metrics.RecordAlert(ctx, rec.Priority.String())
	}
	m.log.LogAttrs(ctx, slog.LevelWarn, "emergency alert raised",
		slog.String("alert_id", rec.ID),
		slog.String("device_id", deviceID),
		slog.String("priority", rec.Priority.String()),
		slog.Any("keywords", keywords),
	)

	if err := m.notifier.Notify(ctx, *rec); err != nil {
		rec.Status = StatusFailed
		rec.LastError = err.Error()
		m.log.LogAttrs(ctx, slog.LevelError, "alert dispatch failed",
			slog.String("alert_id", rec.ID),
			slog.String("error", err.Error()),
		)
	} else {
		rec.Status = StatusSent
	}

	m.remember(rec)
	return *rec
}

func (m *Manager) remember(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	for len(m.order) > m.historySize {
		evict := m.order[0]
		m.order = m.order[1:]
		delete(m.history, evict)
	}
}

// SetTiers swaps the priority tiers. Used by config hot reload; already-raised
// alerts keep their computed priority.
func (m *Manager) SetTiers(t Tiers) {
	m.mu.Lock()
	m.tiers = t
	m.mu.Unlock()
}

// Acknowledge marks an alert as handled by actor. Works from SENT or FAILED;
// acknowledging twice returns [ErrAcknowledged].
func (m *Manager) Acknowledge(id, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.history[id]
	if !ok {
		return fmt.Errorf("alert: acknowledge %s: %w", id, ErrNotFound)
	}
	if rec.Status == StatusAcknowledged {
		return fmt.Errorf("alert: acknowledge %s: %w", id, ErrAcknowledged)
	}
	rec.Status = StatusAcknowledged
	rec.AckBy = actor
	rec.AckAt = time.Now().UTC()
	return nil
}

// Get returns one alert by id.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.history[id]
	if !ok {
		return Record{}, fmt.Errorf("alert: get %s: %w", id, ErrNotFound)
	}
	return *rec, nil
}

// Recent returns the retained alerts, oldest first.
func (m *Manager) Recent() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.history[id])
	}
	return out
}

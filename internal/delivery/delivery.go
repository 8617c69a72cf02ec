// Package delivery implements the bounded, retrying result transmitter that
// decouples utterance production from the remote event sink.
//
// Producers call [Queue.Enqueue] with a [Record]; a single background worker
// drains the queue in batches and posts each record to the configured [Sink],
// retrying transient failures with exponential backoff. The queue is
// memory-only and best-effort: records are dropped when the queue is full
// (backpressure, reported synchronously to the caller) or after retry
// exhaustion (logged, reflected in metrics, never re-queued).
package delivery

import (
	"time"
)

// Status is the lifecycle state of a queued record. Transitions are driven
// exclusively by the delivery worker and are monotonic: PENDING → SENDING →
// (RETRYING → SENDING)* → SUCCESS | FAILED.
type Status int

const (
	StatusPending Status = iota
	StatusSending
	StatusRetrying
	StatusSuccess
	StatusFailed
)

// String returns the status name used in logs and serialized payloads.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSending:
		return "SENDING"
	case StatusRetrying:
		return "RETRYING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Record is one recognition event awaiting transport to the remote sink.
// Records are immutable once enqueued; the worker tracks delivery state
// separately.
type Record struct {
	DeviceID  string        `json:"device_id"`
	SessionID string        `json:"session_id"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ms"`
	Emergency bool          `json:"emergency"`
	Keywords  []string      `json:"keywords,omitempty"`
}

// Snapshot is a point-in-time view of delivery health, exposed through the
// metrics surface.
type Snapshot struct {
	// Attempted counts records the worker has started delivering (one per
	// record, regardless of retries).
	Attempted int64 `json:"attempted"`

	// Succeeded counts records that reached the sink with a 2xx status.
	Succeeded int64 `json:"succeeded"`

	// Failed counts records dropped after retry exhaustion.
	Failed int64 `json:"failed"`

	// Retries counts individual retry attempts across all records.
	Retries int64 `json:"retries"`

	// Dropped counts records rejected at enqueue because the queue was full.
	Dropped int64 `json:"dropped"`

	// AvgLatency is an exponentially-weighted moving average of successful
	// delivery latency (alpha 0.1, seeded by the first sample).
	AvgLatency time.Duration `json:"avg_latency_ms"`

	// LastSuccess and LastFailure are zero until the first such event.
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastFailure time.Time `json:"last_failure,omitzero"`

	// QueueDepth is the number of records currently waiting.
	QueueDepth int `json:"queue_depth"`

	// SuccessRate is Succeeded/Attempted, or 0 when nothing was attempted.
	SuccessRate float64 `json:"success_rate"`
}

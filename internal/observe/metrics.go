// Package observe provides application-wide observability primitives for
// edgevoice: OpenTelemetry metrics, tracing helpers, and structured logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all edgevoice metrics.
const meterName = "github.com/futurianh1k/edgevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DeliveryDuration tracks remote-sink delivery latency per attempt.
	DeliveryDuration metric.Float64Histogram

	// DecodeDuration tracks speech-recognition decode latency per utterance.
	DecodeDuration metric.Float64Histogram

	// --- Counters ---

	// DeliveryAttempts counts delivery attempts. Use with attribute:
	//   attribute.String("status", "success"|"failure")
	DeliveryAttempts metric.Int64Counter

	// DeliveryRetries counts delivery retry attempts.
	DeliveryRetries metric.Int64Counter

	// DeliveryDropped counts records rejected because the queue was full.
	DeliveryDropped metric.Int64Counter

	// Utterances counts finalized utterances. Use with attributes:
	//   attribute.String("device_id", ...), attribute.Bool("emergency", ...)
	Utterances metric.Int64Counter

	// Broadcasts counts relay fan-out deliveries. Use with attribute:
	//   attribute.String("status", "sent"|"failed")
	Broadcasts metric.Int64Counter

	// CommandsSent counts device-facing command dispatches.
	CommandsSent metric.Int64Counter

	// OfflineTransitions counts devices swept offline by the liveness monitor.
	OfflineTransitions metric.Int64Counter

	// AlertsRaised counts emergency alerts by priority. Use with attribute:
	//   attribute.String("priority", ...)
	AlertsRaised metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the current delivery queue depth.
	QueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live recognition sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Subscribers tracks the number of connected subscriber channels.
	Subscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for delivery and decode latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DeliveryDuration, err = m.Float64Histogram("edgevoice.delivery.duration",
		metric.WithDescription("Latency of remote-sink delivery attempts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("edgevoice.decode.duration",
		metric.WithDescription("Latency of speech-recognition decoding per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.DeliveryAttempts, err = m.Int64Counter("edgevoice.delivery.attempts",
		metric.WithDescription("Total delivery attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryRetries, err = m.Int64Counter("edgevoice.delivery.retries",
		metric.WithDescription("Total delivery retry attempts."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryDropped, err = m.Int64Counter("edgevoice.delivery.dropped",
		metric.WithDescription("Records rejected because the queue was at capacity."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("edgevoice.utterances",
		metric.WithDescription("Finalized utterances by device and emergency flag."),
	); err != nil {
		return nil, err
	}
	if met.Broadcasts, err = m.Int64Counter("edgevoice.relay.broadcasts",
		metric.WithDescription("Relay fan-out deliveries by status."),
	); err != nil {
		return nil, err
	}
	if met.CommandsSent, err = m.Int64Counter("edgevoice.relay.commands",
		metric.WithDescription("Device-facing command dispatches."),
	); err != nil {
		return nil, err
	}
	if met.OfflineTransitions, err = m.Int64Counter("edgevoice.liveness.offline_transitions",
		metric.WithDescription("Devices swept offline by the liveness monitor."),
	); err != nil {
		return nil, err
	}
	if met.AlertsRaised, err = m.Int64Counter("edgevoice.alerts.raised",
		metric.WithDescription("Emergency alerts raised by priority."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("edgevoice.delivery.queue_depth",
		metric.WithDescription("Current delivery queue depth."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("edgevoice.active_sessions",
		metric.WithDescription("Number of live recognition sessions."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("edgevoice.subscribers",
		metric.WithDescription("Number of connected subscriber channels."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("edgevoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDeliveryAttempt records one delivery attempt with its status
// ("success" or "failure") and latency in seconds.
func (m *Metrics) RecordDeliveryAttempt(ctx context.Context, status string, seconds float64) {
	m.DeliveryAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.DeliveryDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordUtterance records one finalized utterance for a device.
func (m *Metrics) RecordUtterance(ctx context.Context, deviceID string, emergency bool) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("device_id", deviceID),
			attribute.Bool("emergency", emergency),
		),
	)
}

// RecordBroadcast records one relay fan-out delivery with its status
// ("sent" or "failed").
func (m *Metrics) RecordBroadcast(ctx context.Context, status string) {
	m.Broadcasts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordAlert records one raised alert with its priority label.
func (m *Metrics) RecordAlert(ctx context.Context, priority string) {
	m.AlertsRaised.Add(ctx, 1,
		metric.WithAttributes(attribute.String("priority", priority)),
	)
}

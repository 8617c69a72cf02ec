package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/futurianh1k/edgevoice/internal/observe"
)

// ErrQueueFull is returned by [Queue.Enqueue] when the queue is at capacity.
// This is deliberate backpressure: the record is dropped and the caller
// decides whether to log or ignore.
var ErrQueueFull = errors.New("delivery: queue full")

// ErrClosed is returned by [Queue.Enqueue] after [Queue.Close].
var ErrClosed = errors.New("delivery: queue closed")

const (
	defaultCapacity   = 1000
	defaultBatchSize  = 10
	defaultMaxRetries = 3
	defaultBaseDelay  = 500 * time.Millisecond
)

// Queue is a bounded FIFO delivery queue drained by a single background
// worker. Enqueue never blocks; when the queue is full the record is rejected
// synchronously. All methods are safe for concurrent use.
type Queue struct {
	sink     Sink
	endpoint string

	capacity   int
	batchSize  int
	maxRetries int
	baseDelay  time.Duration

	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	items   []Record
	closed  bool
	started bool
	stats   stats
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// stats is the mutable counterpart of [Snapshot], guarded by Queue.mu.
type stats struct {
	attempted   int64
	succeeded   int64
	failed      int64
	retries     int64
	dropped     int64
	avgLatency  time.Duration
	seeded      bool
	lastSuccess time.Time
	lastFailure time.Time
}

// Option is a functional option for [NewQueue].
type Option func(*Queue)

// WithCapacity sets the maximum number of waiting records. Defaults to 1000.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithBatchSize sets how many records the worker drains per pass. Defaults
// to 10.
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithMaxRetries sets the retry cap per record; a record is attempted at most
// maxRetries+1 times. Defaults to 3.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithBaseDelay sets the backoff base; the n-th retry waits baseDelay*2^(n-1).
// Defaults to 500 ms.
func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.baseDelay = d
		}
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics attaches OTel instruments. When nil, only the internal
// snapshot counters are maintained.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue creates a delivery queue posting to endpoint via sink. Call
// [Queue.Start] to launch the worker and [Queue.Close] to stop it.
func NewQueue(sink Sink, endpoint string, opts ...Option) *Queue {
	q := &Queue{
		sink:       sink,
		endpoint:   endpoint,
		capacity:   defaultCapacity,
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		log:        slog.Default(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends r to the queue. Returns [ErrQueueFull] when the queue is at
// capacity (the record is dropped) and [ErrClosed] after shutdown.
func (q *Queue) Enqueue(r Record) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.items) >= q.capacity {
		q.stats.dropped++
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.DeliveryDropped.Add(context.Background(), 1)
		}
		return ErrQueueFull
	}
	q.items = append(q.items, r)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.QueueDepth.Add(context.Background(), 1)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the number of records currently waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a point-in-time snapshot of delivery health.
func (q *Queue) Stats() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		Attempted:   q.stats.attempted,
		Succeeded:   q.stats.succeeded,
		Failed:      q.stats.failed,
		Retries:     q.stats.retries,
		Dropped:     q.stats.dropped,
		AvgLatency:  q.stats.avgLatency,
		LastSuccess: q.stats.lastSuccess,
		LastFailure: q.stats.lastFailure,
		QueueDepth:  len(q.items),
	}
	if s.Attempted > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Attempted)
	}
	return s
}

// Start launches the background worker. The worker exits when ctx is
// cancelled or [Queue.Close] is called; records still in the queue at that
// point are abandoned.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	go q.run(ctx)
}

// Close stops the worker and rejects further enqueues. Blocks until the
// worker has exited. Safe to call more than once, and before Start.
func (q *Queue) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		<-q.stopped
	}
	return nil
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-q.wake:
		}
		q.drain(ctx)
	}
}

// drain delivers batches until the queue is empty or shutdown begins.
func (q *Queue) drain(ctx context.Context) {
	for {
		batch := q.take(q.batchSize)
		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			default:
			}
			q.deliver(ctx, r)
		}
	}
}

// take pops up to n records from the head of the queue.
func (q *Queue) take(n int) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]Record, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)

	if q.metrics != nil {
		q.metrics.QueueDepth.Add(context.Background(), -int64(n))
	}
	return batch
}

// deliver posts one record, retrying with exponential backoff up to
// maxRetries. Each record reaches exactly one terminal status.
func (q *Queue) deliver(ctx context.Context, r Record) {
	ctx, span := observe.StartSpan(ctx, "delivery.post")
	defer span.End()

	q.mu.Lock()
	q.stats.attempted++
	q.mu.Unlock()

	payload, err := json.Marshal(r)
	if err != nil {
		// Cannot happen for Record's field types, but a record we cannot
		// serialize is permanently undeliverable.
		q.finish(ctx, r, StatusFailed, err)
		return
	}

	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		if attempt > 0 {
			q.mu.Lock()
			q.stats.retries++
			q.mu.Unlock()
			if q.metrics != nil {
				q.metrics.DeliveryRetries.Add(ctx, 1)
			}
			if !q.backoff(ctx, attempt) {
				return
			}
		}

		start := time.Now()
		status, err := q.sink.Post(ctx, q.endpoint, payload)
		elapsed := time.Since(start)

		if err == nil && status >= 200 && status < 300 {
			q.observeSuccess(ctx, elapsed)
			return
		}

		if err == nil {
			err = errors.New("delivery: remote returned non-2xx status")
		}
		if q.metrics != nil {
			q.metrics.RecordDeliveryAttempt(ctx, "failure", elapsed.Seconds())
		}
		q.log.LogAttrs(ctx, slog.LevelWarn, "delivery attempt failed",
			slog.String("device_id", r.DeviceID),
			slog.Int("attempt", attempt+1),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)

		if attempt == q.maxRetries {
			q.finish(ctx, r, StatusFailed, err)
			return
		}
	}
}

// backoff sleeps baseDelay*2^(attempt-1), returning false if shutdown
// interrupted the wait.
func (q *Queue) backoff(ctx context.Context, attempt int) bool {
	delay := q.baseDelay * (1 << (attempt - 1))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	case <-t.C:
		return true
	}
}

func (q *Queue) observeSuccess(ctx context.Context, elapsed time.Duration) {
	q.mu.Lock()
	q.stats.succeeded++
	q.stats.lastSuccess = time.Now()
	if !q.stats.seeded {
		q.stats.avgLatency = elapsed
		q.stats.seeded = true
	} else {
		q.stats.avgLatency = time.Duration(float64(q.stats.avgLatency)*0.9 + float64(elapsed)*0.1)
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecordDeliveryAttempt(ctx, "success", elapsed.Seconds())
	}
}

func (q *Queue) finish(ctx context.Context, r Record, s Status, err error) {
	if s != StatusFailed {
		return
	}
	q.mu.Lock()
	q.stats.failed++
	q.stats.lastFailure = time.Now()
	q.mu.Unlock()

	q.log.LogAttrs(ctx, slog.LevelError, "record dropped after retry exhaustion",
		slog.String("device_id", r.DeviceID),
		slog.String("session_id", r.SessionID),
		slog.String("status", s.String()),
		slog.String("error", err.Error()),
	)
}

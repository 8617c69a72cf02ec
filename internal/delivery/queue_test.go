package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/futurianh1k/edgevoice/internal/delivery/mock"
)

// waitFor polls cond until it returns true or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueue_Backpressure(t *testing.T) {
	sink := &mock.Sink{Status: http.StatusOK}
	q := NewQueue(sink, "http://example.test/events", WithCapacity(5))
	// Worker not started, so nothing drains.

	for i := range 5 {
		if err := q.Enqueue(Record{Text: strconv.Itoa(i)}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(Record{Text: "overflow"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue over capacity = %v, want ErrQueueFull", err)
	}

	if got := q.Depth(); got != 5 {
		t.Errorf("Depth = %d, want 5", got)
	}
	if got := q.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestDeliver_Success(t *testing.T) {
	sink := &mock.Sink{Status: http.StatusOK}
	q := NewQueue(sink, "http://example.test/events")
	q.Start(context.Background())
	defer q.Close()

	for i := range 3 {
		if err := q.Enqueue(Record{DeviceID: "dev-1", Text: strconv.Itoa(i)}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return q.Stats().Succeeded == 3 })

	s := q.Stats()
	if s.Attempted != 3 {
		t.Errorf("Attempted = %d, want 3", s.Attempted)
	}
	if s.Failed != 0 || s.Retries != 0 {
		t.Errorf("Failed = %d, Retries = %d, want 0, 0", s.Failed, s.Retries)
	}
	if s.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", s.SuccessRate)
	}
	if s.LastSuccess.IsZero() {
		t.Error("LastSuccess not set")
	}
	if q.Depth() != 0 {
		t.Errorf("Depth = %d, want 0", q.Depth())
	}
}

func TestDeliver_PreservesFIFOOrder(t *testing.T) {
	sink := &mock.Sink{Status: http.StatusOK}
	q := NewQueue(sink, "http://example.test/events")

	for i := range 25 {
		if err := q.Enqueue(Record{Text: strconv.Itoa(i)}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	q.Start(context.Background())
	defer q.Close()

	waitFor(t, 2*time.Second, func() bool { return sink.CallCount() == 25 })

	for i, call := range sink.Calls() {
		var r Record
		if err := json.Unmarshal(call.Payload, &r); err != nil {
			t.Fatalf("unmarshal payload %d: %v", i, err)
		}
		if r.Text != strconv.Itoa(i) {
			t.Fatalf("payload %d has text %q, want %q", i, r.Text, strconv.Itoa(i))
		}
	}
}

func TestDeliver_RetryExhaustion(t *testing.T) {
	sink := &mock.Sink{Status: http.StatusInternalServerError}
	q := NewQueue(sink, "http://example.test/events",
		WithMaxRetries(3),
		WithBaseDelay(time.Millisecond),
	)
	q.Start(context.Background())
	defer q.Close()

	if err := q.Enqueue(Record{DeviceID: "dev-1", Text: "fails"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return q.Stats().Failed == 1 })

	// maxRetries+1 total attempts per record.
	if got := sink.CallCount(); got != 4 {
		t.Errorf("sink calls = %d, want 4", got)
	}
	s := q.Stats()
	if s.Retries != 3 {
		t.Errorf("Retries = %d, want 3", s.Retries)
	}
	if s.Succeeded != 0 {
		t.Errorf("Succeeded = %d, want 0", s.Succeeded)
	}
	if s.LastFailure.IsZero() {
		t.Error("LastFailure not set")
	}
}

func TestDeliver_TransportErrorRetries(t *testing.T) {
	sink := &mock.Sink{Err: errors.New("connection refused")}
	q := NewQueue(sink, "http://example.test/events",
		WithMaxRetries(1),
		WithBaseDelay(time.Millisecond),
	)
	q.Start(context.Background())
	defer q.Close()

	if err := q.Enqueue(Record{Text: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return q.Stats().Failed == 1 })
	if got := sink.CallCount(); got != 2 {
		t.Errorf("sink calls = %d, want 2", got)
	}
}

func TestDeliver_RecoversAfterTransientFailure(t *testing.T) {
	sink := &mock.Sink{}
	var calls int
	sink.PostFunc = func(context.Context, string, []byte) (int, error) {
		calls++
		if calls == 1 {
			return http.StatusServiceUnavailable, nil
		}
		return http.StatusOK, nil
	}
	q := NewQueue(sink, "http://example.test/events",
		WithBaseDelay(time.Millisecond),
	)
	q.Start(context.Background())
	defer q.Close()

	if err := q.Enqueue(Record{Text: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return q.Stats().Succeeded == 1 })

	s := q.Stats()
	if s.Retries != 1 {
		t.Errorf("Retries = %d, want 1", s.Retries)
	}
	if s.Failed != 0 {
		t.Errorf("Failed = %d, want 0", s.Failed)
	}
}

func TestEWMALatency(t *testing.T) {
	q := NewQueue(&mock.Sink{}, "http://example.test/events")
	ctx := context.Background()

	// First sample seeds the average.
	q.observeSuccess(ctx, 100*time.Millisecond)
	if got := q.Stats().AvgLatency; got != 100*time.Millisecond {
		t.Fatalf("seeded AvgLatency = %v, want 100ms", got)
	}

	// avg = avg*0.9 + sample*0.1
	q.observeSuccess(ctx, 200*time.Millisecond)
	want := 110 * time.Millisecond
	if got := q.Stats().AvgLatency; got != want {
		t.Errorf("AvgLatency = %v, want %v", got, want)
	}
}

func TestClose_RejectsEnqueue(t *testing.T) {
	q := NewQueue(&mock.Sink{Status: http.StatusOK}, "http://example.test/events")
	q.Start(context.Background())

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Enqueue(Record{Text: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
	// Idempotent.
	if err := q.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStats_EmptyQueue(t *testing.T) {
	q := NewQueue(&mock.Sink{}, "http://example.test/events")
	s := q.Stats()
	if s.SuccessRate != 0 {
		t.Errorf("SuccessRate with no attempts = %v, want 0", s.SuccessRate)
	}
	if s.QueueDepth != 0 {
		t.Errorf("QueueDepth = %d, want 0", s.QueueDepth)
	}
}

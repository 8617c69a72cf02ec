// Package mock provides a test double for the delivery sink.
package mock

import (
	"context"
	"sync"
)

// PostCall records the arguments of one Sink.Post invocation.
type PostCall struct {
	Endpoint string
	Payload  []byte
}

// Sink is a configurable in-memory implementation of delivery.Sink that
// records every call. Safe for concurrent use.
type Sink struct {
	mu    sync.Mutex
	calls []PostCall

	// Status and Err are returned by Post unless PostFunc is set.
	Status int
	Err    error

	// PostFunc, when non-nil, overrides the canned Status/Err response.
	PostFunc func(ctx context.Context, endpoint string, payload []byte) (int, error)
}

// Post implements delivery.Sink.
func (s *Sink) Post(ctx context.Context, endpoint string, payload []byte) (int, error) {
	s.mu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.calls = append(s.calls, PostCall{Endpoint: endpoint, Payload: cp})
	fn := s.PostFunc
	status, err := s.Status, s.Err
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, endpoint, payload)
	}
	return status, err
}

// Calls returns a snapshot of all recorded calls.
func (s *Sink) Calls() []PostCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PostCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of Post invocations so far.
func (s *Sink) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

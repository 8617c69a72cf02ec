// Package mock provides a test double for the decoder.Engine capability.
//
// Configure Text/Err to script the next Decode result, or set DecodeFunc for
// per-call behaviour. DecodeCalls records every invocation for inspection.
package mock

import (
	"context"
	"sync"

	"github.com/futurianh1k/edgevoice/pkg/decoder"
)

// DecodeCall records a single invocation of Engine.Decode.
type DecodeCall struct {
	// Samples is a copy of the waveform passed to Decode.
	Samples []int16

	// SampleRate is the rate passed to Decode.
	SampleRate int
}

// Engine is a mock implementation of decoder.Engine.
type Engine struct {
	mu sync.Mutex

	// Text is returned by Decode when DecodeFunc is nil.
	Text string

	// Err, if non-nil, is returned as the error from Decode.
	Err error

	// DecodeFunc, when set, overrides Text/Err entirely.
	DecodeFunc func(ctx context.Context, samples []int16, sampleRate int) (string, error)

	// DecodeCalls records every call to Decode in order.
	DecodeCalls []DecodeCall

	// Closed reports whether Close has been called.
	Closed bool
}

// Decode records the call and returns the scripted result.
func (e *Engine) Decode(ctx context.Context, samples []int16, sampleRate int) (string, error) {
	e.mu.Lock()
	e.DecodeCalls = append(e.DecodeCalls, DecodeCall{
		Samples:    append([]int16(nil), samples...),
		SampleRate: sampleRate,
	})
	fn := e.DecodeFunc
	text, err := e.Text, e.Err
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, samples, sampleRate)
	}
	return text, err
}

// Close marks the engine closed and returns nil.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Closed = true
	return nil
}

// Calls returns a snapshot of all recorded Decode calls. Thread-safe.
func (e *Engine) Calls() []DecodeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]DecodeCall(nil), e.DecodeCalls...)
}

// Ensure Engine implements decoder.Engine at compile time.
var _ decoder.Engine = (*Engine)(nil)

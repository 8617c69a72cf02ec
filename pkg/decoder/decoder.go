// Package decoder defines the speech-recognition capability consumed by the
// session pipeline.
//
// A decoder accepts one finalized waveform and returns the recognized text.
// The interface is deliberately synchronous and opaque: utterance
// segmentation, retrying, and delivery all happen outside of it, so a backend
// only has to turn samples into text. Implementations must be safe for
// concurrent use — multiple sessions may decode at the same time.
package decoder

import "context"

// Engine turns a waveform into recognized text.
type Engine interface {
	// Decode runs recognition over a complete utterance. samples is 16-bit
	// signed mono PCM at sampleRate Hz. An empty string with a nil error
	// means the engine heard nothing intelligible.
	//
	// Decode blocks until recognition completes or ctx is cancelled. Errors
	// are fatal to the calling session only; other sessions are unaffected.
	Decode(ctx context.Context, samples []int16, sampleRate int) (string, error)

	// Close releases backend resources. After Close, Decode returns an error.
	Close() error
}

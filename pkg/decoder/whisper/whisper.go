// Package whisper implements the decoder.Engine capability with the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/futurianh1k/edgevoice/pkg/decoder"
)

// Compile-time assertion that Engine satisfies decoder.Engine.
var _ decoder.Engine = (*Engine)(nil)

// defaultLanguage is used when no language is configured.
const defaultLanguage = "ko"

// Engine decodes utterances with a whisper.cpp model. The model is loaded
// once at startup and shared across all sessions; each Decode call creates
// its own whisper context, so concurrent decodes are safe.
type Engine struct {
	language string

	mu     sync.Mutex
	model  whisperlib.Model
	closed bool
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for recognition (e.g. "ko",
// "en"). Defaults to "ko".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// New loads the whisper.cpp model from modelPath. The caller must call Close
// when the engine is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Decode implements decoder.Engine. sampleRate is accepted for interface
// symmetry; whisper.cpp expects 16 kHz input and the caller is responsible
// for feeding frames at that rate.
func (e *Engine) Decode(ctx context.Context, samples []int16, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", errors.New("whisper: engine is closed")
	}
	model := e.model
	e.mu.Unlock()

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines, so a fresh context per decode keeps this method concurrent.
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		return "", fmt.Errorf("whisper: set language %q: %w", e.language, err)
	}

	if err := wctx.Process(toFloat32(samples), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the whisper model. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.model.Close()
}

// toFloat32 converts 16-bit signed PCM samples to float32 normalised to
// [-1.0, 1.0], the input format whisper.cpp expects.
func toFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Package vad segments a continuous audio stream into discrete utterances
// using energy-based voice activity detection.
//
// Energy-based VAD is chosen over a model-based detector deliberately: it is
// threshold-tunable per deployment without retraining, and the two knobs
// (energy threshold, silence duration) are the entire tuning surface.
//
// A Segmenter is a per-session state machine:
//
//	IDLE → LISTENING → ACCUMULATING → LISTENING → … → IDLE
//
// StartSession moves IDLE→LISTENING. While LISTENING, frames whose short-term
// RMS energy exceeds the threshold flip the machine to ACCUMULATING and start
// buffering. Once the configured consecutive-silence duration elapses while
// ACCUMULATING, the buffer is finalized: long enough buffers become an
// Utterance (decoded synchronously through the injected decoder.Engine),
// shorter ones are discarded as noise.
//
// A Segmenter is not safe for concurrent use; the owning session serialises
// all calls.
package vad

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/futurianh1k/edgevoice/pkg/decoder"
)

// Sentinel errors for session state violations. These are contract errors
// surfaced to the caller, never conditions that unwind the ingestion loop.
var (
	// ErrSessionActive is returned by StartSession when a session is already
	// running. Re-starting is an error, not a no-op; idempotency is the
	// caller's responsibility.
	ErrSessionActive = errors.New("vad: session already active")

	// ErrNoSession is returned by PushFrame and StopSession when no session
	// has been started.
	ErrNoSession = errors.New("vad: no active session")
)

// State identifies the segmenter's position in its state machine.
type State int

const (
	// StateIdle means no session is active.
	StateIdle State = iota

	// StateListening means a session is active but no speech is buffered.
	StateListening

	// StateAccumulating means speech was detected and frames are buffering.
	StateAccumulating
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAccumulating:
		return "accumulating"
	default:
		return "unknown"
	}
}

// Config holds the tuning parameters for a Segmenter. Zero values are
// replaced with defaults by New.
type Config struct {
	// SampleRate is the PCM sample rate in Hz of frames passed to PushFrame.
	// Default: 16000.
	SampleRate int

	// WindowMs is the analysis window length in milliseconds. Frames shorter
	// than one window are buffered until enough samples accumulate before an
	// energy decision is made. Default: 30.
	WindowMs int

	// EnergyThreshold is the RMS energy (over raw int16 samples) above which
	// a window is classified as speech. Negative values classify every window
	// as speech, which disables silence-based finalization entirely — used
	// for sessions that run with VAD off. Default: 500.
	EnergyThreshold float64

	// SilenceDuration is the consecutive-silence span that finalizes an
	// accumulating utterance. Default: 1.5s.
	SilenceDuration time.Duration

	// MinSpeechDuration is the minimum speech span for a finalized buffer to
	// become an Utterance; shorter buffers are discarded silently. Default: 0.5s.
	MinSpeechDuration time.Duration
}

// withDefaults returns cfg with zero values replaced.
func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.WindowMs <= 0 {
		c.WindowMs = 30
	}
	if c.EnergyThreshold == 0 {
		c.EnergyThreshold = 500
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = 1500 * time.Millisecond
	}
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = 500 * time.Millisecond
	}
	return c
}

// Utterance is one finalized speech segment with its recognized text.
// Immutable once produced.
type Utterance struct {
	// Start is the utterance's start position relative to session start.
	Start time.Duration

	// Duration is the speech span, trailing silence excluded.
	Duration time.Duration

	// Text is the recognized text from the decode step. May be empty when
	// the engine heard nothing intelligible.
	Text string
}

// Summary is the terminal session report returned by StopSession.
type Summary struct {
	// Segments is the number of utterances finalized during the session.
	Segments int

	// SpeechDuration is the total speech span across all utterances.
	SpeechDuration time.Duration
}

// Segmenter drives the VAD state machine for one session stream.
type Segmenter struct {
	cfg Config
	dec decoder.Engine

	state State

	// pending holds samples that do not yet fill a full analysis window.
	pending []int16

	// buf accumulates the current utterance's samples from first speech
	// window onward, trailing silence included until finalization.
	buf []int16

	// speechSamples is the length of buf up to the end of the last speech
	// window; finalization trims trailing silence using it.
	speechSamples int

	silence time.Duration // consecutive silence while accumulating
	pos     time.Duration // stream position of fully analysed audio
	start   time.Duration // current utterance's start position

	segments    int
	speechTotal time.Duration
}

// New creates a Segmenter in the IDLE state. dec is invoked synchronously on
// every finalized utterance and must not be nil.
func New(cfg Config, dec decoder.Engine) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults(), dec: dec}
}

// State returns the current state of the segmenter.
func (s *Segmenter) State() State { return s.state }

// Segments returns the number of utterances finalized so far this session.
func (s *Segmenter) Segments() int { return s.segments }

// StartSession transitions IDLE→LISTENING and clears all buffers. Returns
// ErrSessionActive when a session is already running.
func (s *Segmenter) StartSession() error {
	if s.state != StateIdle {
		return ErrSessionActive
	}
	s.state = StateListening
	s.pending = nil
	s.buf = nil
	s.speechSamples = 0
	s.silence = 0
	s.pos = 0
	s.start = 0
	s.segments = 0
	s.speechTotal = 0
	return nil
}

// PushFrame feeds PCM samples into the segmenter. When the frame completes a
// silence boundary, the finalized Utterance is returned; otherwise the result
// is nil. Segmentation itself is synchronous — the caller decides whether to
// process the result concurrently.
//
// When an utterance finalizes mid-frame, the remaining samples stay buffered
// and are analysed on the next call, so no audio is lost even for frames
// longer than the silence window.
func (s *Segmenter) PushFrame(ctx context.Context, samples []int16) (*Utterance, error) {
	if s.state == StateIdle {
		return nil, ErrNoSession
	}

	s.pending = append(s.pending, samples...)
	window := s.windowSamples()

	for len(s.pending) >= window {
		w := s.pending[:window]
		s.pending = s.pending[window:]

		utt, err := s.consumeWindow(ctx, w)
		if err != nil {
			return nil, err
		}
		if utt != nil {
			return utt, nil
		}
	}
	return nil, nil
}

// StopSession force-finalizes any non-trivial buffered speech (same duration
// check as the silence path), returns the terminal session summary together
// with the final utterance if one was produced, and transitions to IDLE.
// A stop with no buffered audio and no segments returns an empty summary,
// not an error.
func (s *Segmenter) StopSession(ctx context.Context) (Summary, *Utterance, error) {
	if s.state == StateIdle {
		return Summary{}, nil, ErrNoSession
	}

	var final *Utterance
	var err error
	if s.state == StateAccumulating {
		final, err = s.finalize(ctx)
	}

	sum := Summary{Segments: s.segments, SpeechDuration: s.speechTotal}
	s.state = StateIdle
	s.pending = nil
	s.buf = nil
	return sum, final, err
}

// consumeWindow runs the energy decision for one full analysis window and
// advances the state machine.
func (s *Segmenter) consumeWindow(ctx context.Context, w []int16) (*Utterance, error) {
	windowDur := time.Duration(s.cfg.WindowMs) * time.Millisecond
	speech := rms(w) > s.cfg.EnergyThreshold

	switch s.state {
	case StateListening:
		if speech {
			s.state = StateAccumulating
			s.start = s.pos
			s.buf = append(s.buf[:0], w...)
			s.speechSamples = len(s.buf)
			s.silence = 0
		}

	case StateAccumulating:
		s.buf = append(s.buf, w...)
		if speech {
			s.silence = 0
			s.speechSamples = len(s.buf)
		} else {
			s.silence += windowDur
			if s.silence >= s.cfg.SilenceDuration {
				s.pos += windowDur
				utt, err := s.finalize(ctx)
				return utt, err
			}
		}
	}

	s.pos += windowDur
	return nil, nil
}

// finalize closes the current buffer: long enough speech becomes an Utterance
// and is decoded, shorter buffers are discarded silently. The machine returns
// to LISTENING either way.
func (s *Segmenter) finalize(ctx context.Context) (*Utterance, error) {
	speech := s.buf[:s.speechSamples]
	dur := s.sampleDuration(len(speech))

	s.state = StateListening
	s.silence = 0

	if dur < s.cfg.MinSpeechDuration {
		// Too short to be meaningful speech.
		s.buf = nil
		s.speechSamples = 0
		return nil, nil
	}

	text, err := s.dec.Decode(ctx, speech, s.cfg.SampleRate)
	if err != nil {
		s.buf = nil
		s.speechSamples = 0
		return nil, fmt.Errorf("vad: decode utterance: %w", err)
	}

	utt := &Utterance{
		Start:    s.start,
		Duration: dur,
		Text:     text,
	}
	s.segments++
	s.speechTotal += dur
	s.buf = nil
	s.speechSamples = 0
	return utt, nil
}

// windowSamples is the number of samples in one analysis window.
func (s *Segmenter) windowSamples() int {
	return s.cfg.SampleRate * s.cfg.WindowMs / 1000
}

// sampleDuration converts a sample count to wall time at the configured rate.
func (s *Segmenter) sampleDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.cfg.SampleRate)
}

// rms computes the root-mean-square energy of a window of raw int16 samples.
func rms(w []int16) float64 {
	if len(w) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(w)))
}

package amd

import (
	"context"
	"time"
)

// Utterance is what a [SpeechSource] recognised after accepting a frame.
// An empty Text means nothing was recognised.
type Utterance struct {
	Text string

	// Final reports whether the engine committed to Text. Otherwise Text is
	// an in-progress partial.
	Final bool

	// Duration is the audio a final covers. Zero means unknown, in which
	// case the session credits the length of the frame just accepted.
	Duration time.Duration
}

// SpeechSource turns audio frames into text for a single call. Frames are
// 16-bit signed little-endian mono PCM at the session's sample rate.
//
// Recognition may lag behind the audio: text for a frame can be reported by
// a later Accept or by FlushFinal. Both return once ctx is done, with
// whatever is available by then.
//
// A SpeechSource is used by one goroutine at a time.
type SpeechSource interface {
	// Accept feeds one frame. An error means the frame produced no text; the
	// session continues with the next frame.
	Accept(ctx context.Context, frame []byte) (Utterance, error)

	// FlushFinal ends recognition and returns the trailing finalized text
	// as a single final Utterance. An error is returned alongside any text
	// collected before ctx ended.
	FlushFinal(ctx context.Context) (Utterance, error)

	// Close releases the source without waiting for pending recognition.
	// It is safe to call after FlushFinal and more than once.
	Close() error
}

// SourceConfig describes the source a session needs.
type SourceConfig struct {
	CallID     string
	SampleRate int

	// Hints are phrases worth boosting in recognition, typically the
	// voicemail keywords the classifier looks for.
	Hints []string
}

// SourceFactory opens a [SpeechSource] per session.
type SourceFactory interface {
	NewSource(ctx context.Context, cfg SourceConfig) (SpeechSource, error)
}

// SourceFactoryFunc adapts a function to [SourceFactory].
type SourceFactoryFunc func(ctx context.Context, cfg SourceConfig) (SpeechSource, error)

// NewSource calls f.
func (f SourceFactoryFunc) NewSource(ctx context.Context, cfg SourceConfig) (SpeechSource, error) {
	return f(ctx, cfg)
}

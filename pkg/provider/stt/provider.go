// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription engine (Deepgram, a whisper.cpp server,
// or a locally loaded whisper.cpp model) and exposes a uniform streaming
// interface. Once opened, a SessionHandle accepts raw PCM audio frames and
// emits two streams of Transcript values: low-latency partials while an
// utterance is still in progress, and finals once the engine commits to the
// text of a completed utterance.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close has been called.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony audio is usually
	// 8000; wideband codecs deliver 16000.
	SampleRate int

	// Channels is the number of interleaved audio channels. Call audio is mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "es", "en-US").
	// An empty string selects the provider default.
	Language string

	// Keywords is a list of vocabulary hints that raise the recognition
	// probability of specific phrases. Providers without keyword support
	// ignore it.
	Keywords []KeywordBoost
}

// SessionHandle represents an open streaming transcription session.
//
// Callers must call Close when done. Close flushes buffered audio, so any
// trailing final transcript is delivered on Finals before the channel closes.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit signed little-endian PCM. Calling
	// SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session after flushing pending audio. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend. Multiple sessions may be
// open at the same time, one per active call.
type Provider interface {
	// StartStream opens a new transcription session. The caller owns the
	// returned SessionHandle and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

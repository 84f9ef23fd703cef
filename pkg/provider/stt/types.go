package stt

import "time"

// Transcript is a speech-to-text result. Partial and final results share the
// type and are told apart by IsFinal.
type Transcript struct {
	// Text is the recognised speech.
	Text string

	// IsFinal reports whether the engine has committed to this text.
	IsFinal bool

	// Confidence is the engine's own score in [0, 1], zero when unreported.
	Confidence float64

	// Words holds per-word timing when the engine reports it.
	Words []WordDetail

	// Duration is the length of audio the transcript covers, zero when unknown.
	Duration time.Duration
}

// WordDetail holds per-word metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a recognition hint. Boost uses the provider's own scale.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

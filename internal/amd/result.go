// Package amd implements answering-machine detection: deciding, per call and
// within a bounded time, whether a line was answered by a person or by a
// voicemail system.
//
// A [Classifier] turns a transcript and a speech duration into a
// [DecisionResult]. A [Session] feeds audio frames to a [SpeechSource],
// accumulates finalized text and commits to a decision once the evidence is
// strong enough. A [Controller] drives a session from a frame channel and
// forces a decision when the deadline passes. The [Engine] ties these together
// with a [Registry] of active calls.
package amd

import "math"

// Outcome is the classification of a call.
type Outcome string

const (
	OutcomeHuman   Outcome = "HUMAN"
	OutcomeMachine Outcome = "MACHINE"
	OutcomeUnknown Outcome = "UNKNOWN"
)

const (
	// DecisionThreshold is the confidence a result from finalized speech must
	// reach to end a session.
	DecisionThreshold = 0.70

	// FastExitThreshold is the confidence a MACHINE result from partial speech
	// must reach to end a session before the utterance is finalized.
	FastExitThreshold = 0.85
)

// DecisionResult is the verdict for a call.
type DecisionResult struct {
	Outcome    Outcome  `json:"outcome"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
	Transcript string   `json:"transcript"`
	Keywords   []string `json:"keywords,omitempty"`

	// Partial is set when the decision came from an unfinished utterance.
	Partial bool `json:"partial,omitempty"`

	// Forced is set when the decision deadline produced the result.
	Forced bool `json:"forced,omitempty"`

	CallID string `json:"call_id,omitempty"`
}

// roundConfidence keeps confidences at two decimals so that sums such as
// 0.7+0.1 compare equal to the literal thresholds.
func roundConfidence(c float64) float64 {
	return math.Round(c*100) / 100
}

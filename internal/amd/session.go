package amd

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/amdetect/internal/observe"
)

// State is a session's position in its lifecycle.
type State int

const (
	// StateAccumulating collects speech until the evidence is strong enough.
	StateAccumulating State = iota

	// StateDecided is terminal; the result never changes again.
	StateDecided
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateDecided:
		return "decided"
	default:
		return "unknown"
	}
}

// Session holds the detection state of one call.
//
// A Session is owned by the goroutine driving it and is not safe for
// concurrent use.
type Session struct {
	callID     string
	sampleRate int
	source     SpeechSource
	classifier *Classifier
	metrics    *observe.Metrics
	startedAt  time.Time
	span       trace.Span
	cancel     context.CancelCauseFunc

	transcript    strings.Builder
	speechSeconds float64
	flushed       bool
	state         State
	result        DecisionResult
}

// SessionOption configures a [Session].
type SessionOption func(*Session)

// WithMetrics records frame and decision metrics on m.
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithStartTime overrides the time the session is considered to have
// started. Defaults to the creation time.
func WithStartTime(t time.Time) SessionOption {
	return func(s *Session) { s.startedAt = t }
}

// NewSession creates a session in [StateAccumulating]. The classifier is
// captured for the session's lifetime.
func NewSession(callID string, sampleRate int, source SpeechSource, classifier *Classifier, opts ...SessionOption) *Session {
	s := &Session{
		callID:     callID,
		sampleRate: sampleRate,
		source:     source,
		classifier: classifier,
		startedAt:  time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CallID returns the call identifier.
func (s *Session) CallID() string { return s.callID }

// SampleRate returns the audio sample rate in Hz.
func (s *Session) SampleRate() int { return s.sampleRate }

// StartedAt returns when the session started; the decision deadline counts
// from here.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Transcript returns the accumulated finalized text.
func (s *Session) Transcript() string { return s.transcript.String() }

// SpeechSeconds returns the finalized speech duration so far.
func (s *Session) SpeechSeconds() float64 { return s.speechSeconds }

// Result returns the decision, if one has been made.
func (s *Session) Result() (DecisionResult, bool) {
	return s.result, s.state == StateDecided
}

// ProcessFrame feeds one audio frame and reports a decision if the evidence
// is now strong enough. Once decided, it returns the cached result without
// touching the source.
func (s *Session) ProcessFrame(ctx context.Context, frame []byte) (DecisionResult, bool) {
	if s.state == StateDecided {
		return s.result, true
	}
	if s.metrics != nil {
		s.metrics.Frames.Add(ctx, 1)
	}

	u, err := s.source.Accept(ctx, frame)
	if err != nil {
		s.logger(ctx).Warn("frame rejected by speech source", "bytes", len(frame), "err", err)
		if s.metrics != nil {
			s.metrics.FrameErrors.Add(ctx, 1)
		}
		return DecisionResult{}, false
	}

	text := normalize(u.Text)
	if text == "" {
		return DecisionResult{}, false
	}

	if u.Final {
		s.appendText(text)
		if u.Duration > 0 {
			s.speechSeconds += u.Duration.Seconds()
		} else {
			s.speechSeconds += float64(len(frame)) / float64(s.sampleRate*2)
		}
		res := s.classifier.Classify(s.transcript.String(), s.speechSeconds)
		if res.Confidence >= DecisionThreshold {
			return s.decide(ctx, res, "decision"), true
		}
		return DecisionResult{}, false
	}

	// Partials only count as lexical evidence, never as duration.
	res := s.classifier.Classify(text, 0)
	if res.Outcome == OutcomeMachine && res.Confidence >= FastExitThreshold {
		res.Partial = true
		return s.decide(ctx, res, "fast decision"), true
	}
	return DecisionResult{}, false
}

// Finish tells the session no more audio will arrive. Text the source still
// holds is weighed like any other final; only if the evidence stays below
// the decision threshold is the decision forced. ctx bounds the wait for
// that text.
func (s *Session) Finish(ctx context.Context) DecisionResult {
	if s.state == StateDecided {
		return s.result
	}
	s.flush(ctx)
	res := s.classifier.Classify(s.transcript.String(), s.speechSeconds)
	if res.Confidence >= DecisionThreshold {
		return s.decide(ctx, res, "decision")
	}
	return s.ForceDecision(ctx)
}

// ForceDecision classifies everything heard so far, including text the
// source still holds, and ends the session regardless of confidence. ctx
// bounds the wait for that text; whatever arrived in time is used.
func (s *Session) ForceDecision(ctx context.Context) DecisionResult {
	if s.state == StateDecided {
		return s.result
	}
	s.flush(ctx)

	res := s.classifier.Classify(s.transcript.String(), s.speechSeconds)
	res.Forced = true
	return s.decide(ctx, res, "forced decision")
}

// flush drains the source's trailing finals once.
func (s *Session) flush(ctx context.Context) {
	if s.flushed {
		return
	}
	s.flushed = true

	u, err := s.source.FlushFinal(ctx)
	if err != nil {
		s.logger(ctx).Warn("flushing speech source failed", "err", err)
	}
	if text := normalize(u.Text); text != "" {
		s.appendText(text)
		s.speechSeconds += u.Duration.Seconds()
	}
}

func (s *Session) appendText(text string) {
	if s.transcript.Len() > 0 {
		s.transcript.WriteByte(' ')
	}
	s.transcript.WriteString(text)
}

func (s *Session) decide(ctx context.Context, res DecisionResult, msg string) DecisionResult {
	res.CallID = s.callID
	s.result = res
	s.state = StateDecided

	latency := time.Since(s.startedAt)
	s.logger(ctx).Info(msg,
		"outcome", res.Outcome,
		"confidence", res.Confidence,
		"reason", res.Reason,
		"transcript", res.Transcript,
		"latency", latency,
	)
	if s.metrics != nil {
		s.metrics.RecordDecision(ctx, string(res.Outcome), res.Confidence, res.Forced, res.Partial, latency)
	}
	if s.span != nil {
		s.span.AddEvent("decision", trace.WithAttributes(
			observe.Attr("amd.outcome", string(res.Outcome)),
		))
	}
	return res
}

func (s *Session) logger(ctx context.Context) *slog.Logger {
	return observe.Logger(ctx).With("call_id", s.callID)
}

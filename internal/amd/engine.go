package amd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/amdetect/internal/observe"
)

// errCancelled is the cause recorded when a session is cancelled through
// [Engine.Cancel].
var errCancelled = errors.New("session cancelled")

// EngineConfig configures an [Engine].
type EngineConfig struct {
	Rules  Rules
	Timing Timing

	// Metrics receives engine metrics. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Engine creates sessions, tracks them in a [Registry] and runs them to a
// decision. It is safe for concurrent use. Rules and timing can be replaced
// at runtime; running sessions keep the ones they started with.
type Engine struct {
	factory  SourceFactory
	registry *Registry
	metrics  *observe.Metrics

	classifier atomic.Pointer[Classifier]
	controller atomic.Pointer[Controller]
}

// NewEngine creates an Engine that opens speech sources through factory.
// A nil factory yields [ErrEngineUnavailable].
func NewEngine(factory SourceFactory, cfg EngineConfig) (*Engine, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: no speech source factory", ErrEngineUnavailable)
	}
	e := &Engine{
		factory:  factory,
		registry: NewRegistry(),
		metrics:  cfg.Metrics,
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.classifier.Store(NewClassifier(cfg.Rules))
	e.controller.Store(NewController(cfg.Timing))
	return e, nil
}

// Registry returns the engine's session registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Classifier returns the classifier new sessions will use.
func (e *Engine) Classifier() *Classifier { return e.classifier.Load() }

// Timing returns the timing new sessions will use.
func (e *Engine) Timing() Timing { return e.controller.Load().Timing() }

// SetRules replaces the rules for sessions created from now on.
func (e *Engine) SetRules(r Rules) {
	e.classifier.Store(NewClassifier(r))
}

// SetTiming replaces the timing for sessions created from now on.
func (e *Engine) SetTiming(t Timing) {
	e.controller.Store(NewController(t))
}

// ActiveSessions returns the number of registered sessions.
func (e *Engine) ActiveSessions() int { return e.registry.Len() }

// ActiveCallIDs returns the call ids of registered sessions in sorted order.
func (e *Engine) ActiveCallIDs() []string { return e.registry.CallIDs() }

// ModelLoaded reports whether speech sources can be opened. Factories that
// implement Available() bool are asked; others are assumed ready.
func (e *Engine) ModelLoaded() bool {
	if a, ok := e.factory.(interface{ Available() bool }); ok {
		return a.Available()
	}
	return true
}

// CreateSession opens a speech source and registers a new session for
// callID. The returned context is cancelled by [Engine.Cancel] or by
// [Engine.Release]. Every successful call must be paired with Release.
func (e *Engine) CreateSession(ctx context.Context, callID string, sampleRate int) (*Session, context.Context, error) {
	if callID == "" {
		e.metrics.RecordSessionRejected(ctx, "invalid")
		return nil, nil, fmt.Errorf("%w: empty call id", ErrInvalidSession)
	}
	if sampleRate <= 0 {
		e.metrics.RecordSessionRejected(ctx, "invalid")
		return nil, nil, fmt.Errorf("%w: sample rate %d", ErrInvalidSession, sampleRate)
	}
	if e.registry.Has(callID) {
		e.metrics.RecordSessionRejected(ctx, "duplicate")
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateSession, callID)
	}

	classifier := e.classifier.Load()
	start := time.Now()

	sctx, span := observe.StartSessionSpan(ctx, callID, sampleRate)
	sctx, cancel := context.WithCancelCause(sctx)

	src, err := e.factory.NewSource(sctx, SourceConfig{
		CallID:     callID,
		SampleRate: sampleRate,
		Hints:      classifier.Keywords(),
	})
	if err != nil {
		cancel(err)
		span.RecordError(err)
		span.End()
		e.metrics.RecordSessionRejected(ctx, "unavailable")
		return nil, nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	s := NewSession(callID, sampleRate, src, classifier, WithMetrics(e.metrics), WithStartTime(start))
	s.span = span
	s.cancel = cancel
	if err := e.registry.Add(s, cancel); err != nil {
		cancel(err)
		_ = src.Close()
		span.End()
		e.metrics.RecordSessionRejected(ctx, "duplicate")
		return nil, nil, err
	}
	e.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(sctx).Info("session started", "call_id", callID, "sample_rate", sampleRate)
	return s, sctx, nil
}

// Release evicts s, closes its speech source and ends its span. A session
// released undecided counts as discarded.
func (e *Engine) Release(s *Session) {
	ctx := context.Background()
	if e.registry.Remove(s) {
		e.metrics.ActiveSessions.Add(ctx, -1)
	}
	if s.cancel != nil {
		s.cancel(nil)
	}
	if err := s.source.Close(); err != nil {
		observe.Logger(ctx).Debug("closing speech source", "call_id", s.callID, "err", err)
	}
	if s.State() != StateDecided {
		e.metrics.SessionsDiscarded.Add(ctx, 1)
		observe.Logger(ctx).Info("session discarded without decision", "call_id", s.callID)
	}
	if s.span != nil {
		s.span.End()
	}
}

// Cancel stops the running session for callID without a decision. Reports
// whether such a session exists.
func (e *Engine) Cancel(callID string) bool {
	return e.registry.Cancel(callID, errCancelled)
}

// StreamSession is a registered streaming session waiting for its audio.
// It keeps the timing that was current when it was opened.
type StreamSession struct {
	engine     *Engine
	session    *Session
	ctx        context.Context
	controller *Controller
	closeOnce  sync.Once
}

// CallID returns the session's call id.
func (ss *StreamSession) CallID() string { return ss.session.CallID() }

// Run processes frames until a decision is made or the deadline passes, and
// then releases the session. It returns [ErrDisconnected] if the session is
// cancelled or frames closes before a decision.
func (ss *StreamSession) Run(frames <-chan []byte) (DecisionResult, error) {
	defer ss.Close()
	return ss.controller.Run(ss.ctx, ss.session, frames)
}

// Close releases the session without running it. Safe to call more than
// once and after Run.
func (ss *StreamSession) Close() {
	ss.closeOnce.Do(func() { ss.engine.Release(ss.session) })
}

// OpenStream registers a streaming session for callID. The caller must
// either Run or Close it. The decision deadline starts now.
func (e *Engine) OpenStream(ctx context.Context, callID string, sampleRate int) (*StreamSession, error) {
	controller := e.controller.Load()
	s, sctx, err := e.CreateSession(ctx, callID, sampleRate)
	if err != nil {
		return nil, err
	}
	return &StreamSession{engine: e, session: s, ctx: sctx, controller: controller}, nil
}

// Stream runs a streaming session: frames are processed as they arrive and
// the decision deadline is enforced. It returns [ErrDisconnected] if ctx ends
// or frames closes before a decision.
func (e *Engine) Stream(ctx context.Context, callID string, sampleRate int, frames <-chan []byte) (DecisionResult, error) {
	ss, err := e.OpenStream(ctx, callID, sampleRate)
	if err != nil {
		return DecisionResult{}, err
	}
	return ss.Run(frames)
}

// Analyze runs a single-shot session over a complete recording and always
// returns a decision. The recording is fed as one frame and then ended, so
// text the source finalizes for it counts as evidence; a decision is forced
// only if that evidence is inconclusive. The whole call is bounded by the
// decision timeout plus the flush timeout.
func (e *Engine) Analyze(ctx context.Context, callID string, sampleRate int, audio []byte) (DecisionResult, error) {
	timing := e.controller.Load().Timing()
	s, sctx, err := e.CreateSession(ctx, callID, sampleRate)
	if err != nil {
		return DecisionResult{}, err
	}
	defer e.Release(s)

	actx, cancel := context.WithDeadline(sctx, s.StartedAt().Add(timing.DecisionTimeout+timing.FlushTimeout))
	defer cancel()

	if len(audio) > 0 {
		if res, ok := s.ProcessFrame(actx, audio); ok {
			return res, nil
		}
	}
	return s.Finish(actx), nil
}

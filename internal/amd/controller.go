package amd

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultDecisionTimeout bounds how long a session may stay undecided.
	DefaultDecisionTimeout = 3500 * time.Millisecond

	// DefaultPollInterval bounds a single wait for the next frame.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultFlushTimeout bounds the wait for trailing text when a decision
	// is forced.
	DefaultFlushTimeout = 250 * time.Millisecond
)

// Timing configures a [Controller].
type Timing struct {
	// DecisionTimeout is measured from the session's start. Zero selects
	// [DefaultDecisionTimeout].
	DecisionTimeout time.Duration

	// PollInterval is the longest the controller waits for a frame before
	// re-checking the deadline. Zero selects [DefaultPollInterval].
	PollInterval time.Duration

	// FlushTimeout is how long a forced decision waits for the speech
	// source's trailing text. A forced result is delivered no later than
	// DecisionTimeout plus FlushTimeout. Zero selects [DefaultFlushTimeout].
	FlushTimeout time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.DecisionTimeout <= 0 {
		t.DecisionTimeout = DefaultDecisionTimeout
	}
	if t.PollInterval <= 0 {
		t.PollInterval = DefaultPollInterval
	}
	if t.FlushTimeout <= 0 {
		t.FlushTimeout = DefaultFlushTimeout
	}
	return t
}

// Controller drives a [Session] to a decision within a deadline.
type Controller struct {
	timing Timing
}

// NewController creates a Controller. Zero fields of t take their defaults.
func NewController(t Timing) *Controller {
	return &Controller{timing: t.withDefaults()}
}

// Timing returns the effective timing.
func (c *Controller) Timing() Timing { return c.timing }

// Run feeds frames to s until it decides or the deadline passes, in which
// case the decision is forced. It returns exactly one result unless ctx is
// cancelled or frames is closed first; then it returns [ErrDisconnected] and
// the session stays undecided.
//
// Each wait for a frame lasts at most the poll interval, and feeding a frame
// to the speech source is cut off at the deadline, so the deadline is
// honoured even when no audio arrives or the source stalls.
func (c *Controller) Run(ctx context.Context, s *Session, frames <-chan []byte) (DecisionResult, error) {
	if res, ok := s.Result(); ok {
		return res, nil
	}

	deadline := s.StartedAt().Add(c.timing.DecisionTimeout)
	frameCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	timer := time.NewTimer(c.timing.PollInterval)
	defer timer.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return c.force(ctx, s), nil
		}
		timer.Reset(min(c.timing.PollInterval, remaining))

		select {
		case <-ctx.Done():
			return DecisionResult{}, fmt.Errorf("%w: %w", ErrDisconnected, context.Cause(ctx))
		case frame, ok := <-frames:
			if !ok {
				return DecisionResult{}, fmt.Errorf("%w: audio stream ended", ErrDisconnected)
			}
			if res, decided := s.ProcessFrame(frameCtx, frame); decided {
				return res, nil
			}
		case <-timer.C:
		}
	}
}

func (c *Controller) force(ctx context.Context, s *Session) DecisionResult {
	ctx, cancel := context.WithTimeout(ctx, c.timing.FlushTimeout)
	defer cancel()
	return s.ForceDecision(ctx)
}

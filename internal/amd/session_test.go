package amd

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func newTestSession(src *fakeSource) *Session {
	return NewSession("call-1", 8000, src, NewClassifier(DefaultRules()))
}

func TestSession_FinalGreetingDecides(t *testing.T) {
	t.Parallel()
	src := &fakeSource{script: []Utterance{final("Hola")}}
	s := newTestSession(src)

	res, ok := s.ProcessFrame(context.Background(), frame(500))
	if !ok {
		t.Fatal("expected a decision")
	}
	if res.Outcome != OutcomeHuman || res.Confidence != 0.85 {
		t.Errorf("got %s %v, want HUMAN 0.85", res.Outcome, res.Confidence)
	}
	if res.CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", res.CallID)
	}
	if res.Partial || res.Forced {
		t.Errorf("flags partial=%v forced=%v, want neither", res.Partial, res.Forced)
	}
	if s.State() != StateDecided {
		t.Errorf("State = %v, want decided", s.State())
	}
	if s.Transcript() != "hola" {
		t.Errorf("Transcript = %q, want hola", s.Transcript())
	}
	if s.SpeechSeconds() != 0.5 {
		t.Errorf("SpeechSeconds = %v, want 0.5", s.SpeechSeconds())
	}
}

func TestSession_DecidedIsIdempotent(t *testing.T) {
	t.Parallel()
	src := &fakeSource{script: []Utterance{final("deje su mensaje")}, flush: final("hola")}
	s := newTestSession(src)
	ctx := context.Background()

	first, ok := s.ProcessFrame(ctx, frame(100))
	if !ok {
		t.Fatal("expected a decision")
	}

	again, ok := s.ProcessFrame(ctx, frame(100))
	if !ok || !reflect.DeepEqual(again, first) {
		t.Errorf("ProcessFrame after decision = %+v, %v; want cached %+v", again, ok, first)
	}
	if forced := s.ForceDecision(ctx); !reflect.DeepEqual(forced, first) {
		t.Errorf("ForceDecision after decision = %+v, want cached %+v", forced, first)
	}
	if src.acceptCount() != 1 {
		t.Errorf("source accepted %d frames, want 1", src.acceptCount())
	}
	if src.flushes != 0 {
		t.Errorf("source flushed %d times, want 0", src.flushes)
	}
	if s.SpeechSeconds() != 0.1 || s.Transcript() != "deje su mensaje" {
		t.Errorf("state mutated after decision: %v %q", s.SpeechSeconds(), s.Transcript())
	}
}

func TestSession_SpeechSecondsMonotonic(t *testing.T) {
	t.Parallel()
	src := &fakeSource{script: []Utterance{
		final("uno dos tres cuatro cinco"),
		{},
		partial("seis"),
		final(""),
		final("seis siete ocho nueve diez"),
	}, errs: map[int]error{5: errBadFrame}}
	s := newTestSession(src)
	ctx := context.Background()

	prev := 0.0
	for i := range 7 {
		if _, ok := s.ProcessFrame(ctx, frame(100)); ok {
			t.Fatalf("unexpected decision at frame %d", i)
		}
		if got := s.SpeechSeconds(); got < prev {
			t.Fatalf("SpeechSeconds decreased at frame %d: %v < %v", i, got, prev)
		} else {
			prev = got
		}
	}
	// Only the two non-empty finals count.
	if got := s.SpeechSeconds(); got != 0.2 {
		t.Errorf("SpeechSeconds = %v, want 0.2", got)
	}
	if got, want := s.Transcript(), "uno dos tres cuatro cinco seis siete ocho nueve diez"; got != want {
		t.Errorf("Transcript = %q, want %q", got, want)
	}
}

func TestSession_SustainedSpeechAcrossFinals(t *testing.T) {
	t.Parallel()
	src := &fakeSource{script: []Utterance{
		final("uno dos tres cuatro cinco"),
		final("seis siete ocho nueve diez"),
		final("once doce trece"),
	}}
	s := newTestSession(src)
	ctx := context.Background()

	for i := range 2 {
		if _, ok := s.ProcessFrame(ctx, frame(1000)); ok {
			t.Fatalf("unexpected decision at frame %d", i)
		}
	}
	res, ok := s.ProcessFrame(ctx, frame(1000))
	if !ok {
		t.Fatal("expected sustained speech decision")
	}
	if res.Outcome != OutcomeMachine || res.Confidence != 0.75 {
		t.Errorf("got %s %v, want MACHINE 0.75", res.Outcome, res.Confidence)
	}
}

func TestSession_FinalCreditsReportedDuration(t *testing.T) {
	t.Parallel()
	late := final("uno dos tres cuatro cinco seis siete ocho nueve")
	late.Duration = 3 * time.Second
	s := newTestSession(&fakeSource{script: []Utterance{{}, late}})
	ctx := context.Background()

	if _, ok := s.ProcessFrame(ctx, frame(20)); ok {
		t.Fatal("unexpected decision on empty frame")
	}
	res, ok := s.ProcessFrame(ctx, frame(20))
	if !ok {
		t.Fatal("expected sustained speech decision")
	}
	if s.SpeechSeconds() != 3 {
		t.Errorf("SpeechSeconds = %v, want the 3s the final covers", s.SpeechSeconds())
	}
	if res.Outcome != OutcomeMachine || res.Confidence != 0.75 {
		t.Errorf("got %s %v, want MACHINE 0.75", res.Outcome, res.Confidence)
	}
}

func TestSession_PartialFastExit(t *testing.T) {
	t.Parallel()
	src := &fakeSource{script: []Utterance{partial("buzon de mensajes")}}
	s := newTestSession(src)

	res, ok := s.ProcessFrame(context.Background(), frame(20))
	if !ok {
		t.Fatal("expected fast decision on partial")
	}
	if res.Outcome != OutcomeMachine || res.Confidence != 0.90 {
		t.Errorf("got %s %v, want MACHINE 0.90", res.Outcome, res.Confidence)
	}
	if !res.Partial {
		t.Error("Partial = false, want true")
	}
	if s.Transcript() != "" || s.SpeechSeconds() != 0 {
		t.Errorf("partial must not accumulate: %q %v", s.Transcript(), s.SpeechSeconds())
	}
}

func TestSession_PartialBelowFastExit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{name: "single keyword", text: "buzon"},
		{name: "human greeting", text: "hola"},
		{name: "long partial is not sustained speech", text: "uno dos tres cuatro cinco seis siete ocho nueve diez"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestSession(&fakeSource{script: []Utterance{partial(tc.text)}})
			if res, ok := s.ProcessFrame(context.Background(), frame(3000)); ok {
				t.Errorf("unexpected decision %+v", res)
			}
			if s.State() != StateAccumulating {
				t.Errorf("State = %v, want accumulating", s.State())
			}
		})
	}
}

func TestSession_MalformedFrameIsSkipped(t *testing.T) {
	t.Parallel()
	src := &fakeSource{
		script: []Utterance{{}, final("hola")},
		errs:   map[int]error{0: errBadFrame},
	}
	s := newTestSession(src)
	ctx := context.Background()

	if _, ok := s.ProcessFrame(ctx, []byte{1, 2, 3}); ok {
		t.Fatal("malformed frame must not decide")
	}
	if s.SpeechSeconds() != 0 {
		t.Errorf("malformed frame counted as speech: %v", s.SpeechSeconds())
	}
	res, ok := s.ProcessFrame(ctx, frame(100))
	if !ok || res.Outcome != OutcomeHuman {
		t.Errorf("session did not recover after malformed frame: %+v %v", res, ok)
	}
}

func TestSession_ForceDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		script         []Utterance
		flush          Utterance
		flushErr       error
		wantOutcome    Outcome
		wantConfidence float64
		wantTranscript string
	}{
		{
			name:        "silence",
			wantOutcome: OutcomeUnknown, wantConfidence: 0,
		},
		{
			name:        "trailing voicemail text",
			flush:       final("Deje su mensaje"),
			wantOutcome: OutcomeMachine, wantConfidence: 0.90,
			wantTranscript: "deje su mensaje",
		},
		{
			name:        "accumulated low confidence",
			script:      []Utterance{final("uno dos tres cuatro cinco")},
			wantOutcome: OutcomeUnknown, wantConfidence: 0.50,
			wantTranscript: "uno dos tres cuatro cinco",
		},
		{
			name:        "accumulated plus flush",
			script:      []Utterance{final("uno dos tres cuatro cinco")},
			flush:       final("fuera de servicio"),
			wantOutcome: OutcomeMachine, wantConfidence: 0.80,
			wantTranscript: "uno dos tres cuatro cinco fuera de servicio",
		},
		{
			name:        "flush error still decides",
			flushErr:    errBadFrame,
			wantOutcome: OutcomeUnknown, wantConfidence: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := &fakeSource{script: tc.script, flush: tc.flush, flushErr: tc.flushErr}
			s := newTestSession(src)
			ctx := context.Background()
			for range tc.script {
				s.ProcessFrame(ctx, frame(100))
			}

			res := s.ForceDecision(ctx)
			if !res.Forced {
				t.Error("Forced = false, want true")
			}
			if res.Outcome != tc.wantOutcome || res.Confidence != tc.wantConfidence {
				t.Errorf("got %s %v, want %s %v", res.Outcome, res.Confidence, tc.wantOutcome, tc.wantConfidence)
			}
			if res.Transcript != tc.wantTranscript {
				t.Errorf("Transcript = %q, want %q", res.Transcript, tc.wantTranscript)
			}
			if s.State() != StateDecided {
				t.Errorf("State = %v, want decided", s.State())
			}
			if src.flushes != 1 {
				t.Errorf("flushes = %d, want 1", src.flushes)
			}
			if again := s.ForceDecision(ctx); !reflect.DeepEqual(again, res) {
				t.Errorf("second ForceDecision = %+v, want %+v", again, res)
			}
		})
	}
}

func TestSession_Finish(t *testing.T) {
	t.Parallel()

	long := final("hoy vamos a revisar juntos varios temas importantes sobre la reunion")
	long.Duration = 4 * time.Second

	tests := []struct {
		name        string
		flush       Utterance
		wantOutcome Outcome
		wantForced  bool
		wantSeconds float64
	}{
		{name: "trailing speech is evidence", flush: long, wantOutcome: OutcomeMachine, wantSeconds: 4},
		{name: "trailing greeting", flush: final("aló"), wantOutcome: OutcomeHuman},
		{name: "inconclusive is forced", flush: final("uno dos tres cuatro cinco"), wantOutcome: OutcomeUnknown, wantForced: true},
		{name: "nothing heard", wantOutcome: OutcomeUnknown, wantForced: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := &fakeSource{flush: tc.flush}
			s := newTestSession(src)

			res := s.Finish(context.Background())
			if res.Outcome != tc.wantOutcome || res.Forced != tc.wantForced {
				t.Errorf("got %s forced=%v, want %s forced=%v", res.Outcome, res.Forced, tc.wantOutcome, tc.wantForced)
			}
			if s.SpeechSeconds() != tc.wantSeconds {
				t.Errorf("SpeechSeconds = %v, want %v", s.SpeechSeconds(), tc.wantSeconds)
			}
			if src.flushCount() != 1 {
				t.Errorf("flushes = %d, want 1", src.flushCount())
			}
			if again := s.Finish(context.Background()); !reflect.DeepEqual(again, res) {
				t.Errorf("second Finish = %+v, want %+v", again, res)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	if StateAccumulating.String() != "accumulating" || StateDecided.String() != "decided" || State(7).String() != "unknown" {
		t.Error("unexpected State names")
	}
}

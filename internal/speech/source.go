// Package speech adapts streaming [stt.Provider] backends to the
// [amd.SpeechSource] contract the decision engine consumes.
//
// STT sessions are asynchronous: transcripts for a frame may arrive while
// later frames are still being sent. A [Source] therefore drains whatever
// the backend has produced so far after every frame, without blocking, and
// reports it on the next Accept. Committed text always wins over interim
// text. A final is credited with the audio duration the backend reports for
// it, or else with all audio sent since the previous final.
package speech

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/amdetect/internal/amd"
	"github.com/MrWong99/amdetect/pkg/provider/stt"
)

// Source is an [amd.SpeechSource] backed by an open [stt.SessionHandle].
type Source struct {
	handle     stt.SessionHandle
	sampleRate int

	mu       sync.Mutex
	partials <-chan stt.Transcript
	finals   <-chan stt.Transcript

	// sending carries the outcome of a SendAudio that outlived its Accept.
	sending chan error
	// unfinalized counts bytes sent since the last reported final.
	unfinalized int

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

var _ amd.SpeechSource = (*Source)(nil)

// NewSource wraps handle for mono 16-bit audio at sampleRate Hz.
func NewSource(handle stt.SessionHandle, sampleRate int) *Source {
	return &Source{
		handle:     handle,
		sampleRate: sampleRate,
		partials:   handle.Partials(),
		finals:     handle.Finals(),
		closed:     make(chan struct{}),
	}
}

// Accept sends frame to the backend and returns the text it has produced
// since the previous call. Frames must hold whole 16-bit samples. A backend
// that does not take the frame before ctx ends yields an error; the frame is
// still delivered once the backend catches up.
func (s *Source) Accept(ctx context.Context, frame []byte) (amd.Utterance, error) {
	if len(frame)%2 != 0 {
		return amd.Utterance{}, fmt.Errorf("%w: %d bytes is not a whole number of samples", amd.ErrMalformedFrame, len(frame))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(frame) > 0 {
		if err := s.send(ctx, frame); err != nil {
			return amd.Utterance{}, err
		}
	}

	var finals []string
	var reported time.Duration
	var partial string
	drain(&s.finals, func(t stt.Transcript) {
		finals = append(finals, t.Text)
		reported += t.Duration
	})
	drain(&s.partials, func(t stt.Transcript) { partial = t.Text })

	if len(finals) > 0 {
		return s.finalUtterance(finals, reported), nil
	}
	return amd.Utterance{Text: partial}, nil
}

// send hands frame to the backend, waiting no longer than ctx allows. A
// previous send still in flight is waited for first so frames stay ordered.
func (s *Source) send(ctx context.Context, frame []byte) error {
	if s.sending != nil {
		select {
		case err := <-s.sending:
			s.sending = nil
			if err != nil {
				return fmt.Errorf("speech: send audio: %w", err)
			}
		case <-ctx.Done():
			return fmt.Errorf("speech: backend busy with an earlier frame: %w", context.Cause(ctx))
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.handle.SendAudio(frame) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("speech: send audio: %w", err)
		}
		s.unfinalized += len(frame)
		return nil
	case <-ctx.Done():
		s.sending = done
		s.unfinalized += len(frame)
		return fmt.Errorf("speech: send audio: %w", context.Cause(ctx))
	}
}

// finalUtterance joins finals into one Utterance. Without a duration from the
// backend, the audio sent since the previous final is credited instead.
func (s *Source) finalUtterance(finals []string, reported time.Duration) amd.Utterance {
	d := reported
	if d <= 0 && s.sampleRate > 0 {
		d = time.Duration(s.unfinalized) * time.Second / time.Duration(s.sampleRate*2)
	}
	s.unfinalized = 0
	return amd.Utterance{Text: strings.Join(finals, " "), Final: true, Duration: d}
}

// drain hands every non-blank transcript already queued on *ch to fn
// without blocking. A closed channel is set to nil.
func drain(ch *<-chan stt.Transcript, fn func(t stt.Transcript)) {
	for *ch != nil {
		select {
		case t, ok := <-*ch:
			if !ok {
				*ch = nil
				return
			}
			if t.Text = strings.TrimSpace(t.Text); t.Text != "" {
				fn(t)
			}
		default:
			return
		}
	}
}

// FlushFinal closes the backend session and collects the finals it delivers
// while flushing, plus any not yet reported by Accept. It stops at ctx's end
// and returns the text gathered so far with the context error; the backend
// keeps shutting down in the background.
func (s *Source) FlushFinal(ctx context.Context) (amd.Utterance, error) {
	done := s.closeAsync()

	s.mu.Lock()
	defer s.mu.Unlock()

	var finals []string
	var reported time.Duration
	for s.finals != nil {
		select {
		case t, ok := <-s.finals:
			if !ok {
				s.finals = nil
				continue
			}
			if text := strings.TrimSpace(t.Text); text != "" {
				finals = append(finals, text)
				reported += t.Duration
			}
		case <-ctx.Done():
			return s.flushed(finals, reported), fmt.Errorf("speech: flush: %w", context.Cause(ctx))
		}
	}

	var err error
	select {
	case <-done:
		err = s.closeErr
	default:
	}
	return s.flushed(finals, reported), err
}

func (s *Source) flushed(finals []string, reported time.Duration) amd.Utterance {
	if len(finals) == 0 {
		return amd.Utterance{Final: true}
	}
	return s.finalUtterance(finals, reported)
}

// Close ends the backend session without waiting for it to finish
// transcribing. It reports the backend's close error once [Source.Done] is
// closed. Safe to call more than once.
func (s *Source) Close() error {
	select {
	case <-s.closeAsync():
		return s.closeErr
	default:
		return nil
	}
}

// Done is closed once the backend session has shut down.
func (s *Source) Done() <-chan struct{} { return s.closed }

func (s *Source) closeAsync() <-chan struct{} {
	s.closeOnce.Do(func() {
		go func() {
			s.closeErr = s.handle.Close()
			close(s.closed)
		}()
	})
	return s.closed
}

// hintBoost is the boost given to recognition hints derived from voicemail
// keywords.
const hintBoost = 2

// Factory opens a [Source] per session on an [stt.Provider].
type Factory struct {
	provider stt.Provider
	language string
}

var _ amd.SourceFactory = (*Factory)(nil)

// FactoryOption configures a [Factory].
type FactoryOption func(*Factory)

// WithLanguage sets the recognition language passed to the provider.
func WithLanguage(lang string) FactoryOption {
	return func(f *Factory) { f.language = lang }
}

// NewFactory returns a Factory opening streams on p.
func NewFactory(p stt.Provider, opts ...FactoryOption) *Factory {
	f := &Factory{provider: p}
	for _, o := range opts {
		o(f)
	}
	return f
}

// NewSource opens a mono stream at cfg.SampleRate. cfg.Hints become keyword
// boosts.
func (f *Factory) NewSource(ctx context.Context, cfg amd.SourceConfig) (amd.SpeechSource, error) {
	sc := stt.StreamConfig{
		SampleRate: cfg.SampleRate,
		Channels:   1,
		Language:   f.language,
	}
	for _, h := range cfg.Hints {
		sc.Keywords = append(sc.Keywords, stt.KeywordBoost{Keyword: h, Boost: hintBoost})
	}
	handle, err := f.provider.StartStream(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("speech: start stream for %s: %w", cfg.CallID, err)
	}
	return NewSource(handle, cfg.SampleRate), nil
}

// Available reports whether the provider can open streams. Providers that
// do not report availability are assumed ready.
func (f *Factory) Available() bool {
	if a, ok := f.provider.(interface{ Available() bool }); ok {
		return a.Available()
	}
	return true
}

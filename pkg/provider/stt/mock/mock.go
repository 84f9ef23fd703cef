// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify the StreamConfig a caller opens sessions with. Use
// Session to script the transcripts a caller receives:
//
//	sess := mock.NewSession()
//	sess.OnSendAudio = func(s *mock.Session, chunk []byte) {
//	    s.EmitPartial("deje su")
//	}
//	sess.FlushFinals = []string{"deje su mensaje"}
//	p := &mock.Provider{Session: sess}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/amdetect/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. When nil a fresh NewSession is
	// returned on every call.
	Session stt.SessionHandle

	// NewSessionFunc, when set, builds the session for each call and takes
	// precedence over Session.
	NewSessionFunc func(cfg stt.StreamConfig) stt.SessionHandle

	// StartStreamErr, if non-nil, is returned from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns the configured session or error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.NewSessionFunc != nil {
		return p.NewSessionFunc(cfg), nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle with buffered
// transcript channels that are closed by Close.
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript
	closed   bool

	// OnSendAudio, if set, runs for every accepted chunk. It typically calls
	// EmitPartial or EmitFinal to script engine output.
	OnSendAudio func(s *Session, chunk []byte)

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// FlushFinals are emitted as finals when Close flushes the session.
	FlushFinals []string

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
	}
}

// SendAudio records the chunk, runs OnSendAudio and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	err := s.SendAudioErr
	hook := s.OnSendAudio
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(s, chunk)
	}
	return nil
}

// EmitPartial queues an interim transcript. It is a no-op after Close.
func (s *Session) EmitPartial(text string) {
	s.emit(stt.Transcript{Text: text})
}

// EmitFinal queues a committed transcript. It is a no-op after Close.
func (s *Session) EmitFinal(text string) {
	s.emit(stt.Transcript{Text: text, IsFinal: true})
}

func (s *Session) emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ch := s.partials
	if t.IsFinal {
		ch = s.finals
	}
	select {
	case ch <- t:
	default:
	}
}

// Partials returns the interim transcript channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the committed transcript channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Close emits FlushFinals, closes both channels and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		for _, text := range s.FlushFinals {
			select {
			case s.finals <- stt.Transcript{Text: text, IsFinal: true}:
			default:
			}
		}
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return s.CloseErr
}

// SendAudioCallCount returns the number of recorded SendAudio calls.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

var _ stt.SessionHandle = (*Session)(nil)

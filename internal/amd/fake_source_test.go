package amd

import (
	"context"
	"errors"
	"sync"
)

// fakeSource is a scripted SpeechSource. The n-th Accept returns script[n]
// (or nothing once the script is exhausted) and errs[n] if set.
type fakeSource struct {
	mu sync.Mutex

	script   []Utterance
	errs     map[int]error
	flush    Utterance
	flushErr error

	accepted [][]byte
	flushes  int
	closes   int
}

func (f *fakeSource) Accept(_ context.Context, frame []byte) (Utterance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.accepted)
	f.accepted = append(f.accepted, frame)
	if err := f.errs[n]; err != nil {
		return Utterance{}, err
	}
	if n < len(f.script) {
		return f.script[n], nil
	}
	return Utterance{}, nil
}

func (f *fakeSource) FlushFinal(context.Context) (Utterance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flush, f.flushErr
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSource) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepted)
}

func (f *fakeSource) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

func (f *fakeSource) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// stalledSource models a backend that never answers: Accept and FlushFinal
// block until their context ends.
type stalledSource struct {
	fakeSource
}

func (s *stalledSource) Accept(ctx context.Context, frame []byte) (Utterance, error) {
	_, _ = s.fakeSource.Accept(ctx, frame)
	<-ctx.Done()
	return Utterance{}, context.Cause(ctx)
}

func (s *stalledSource) FlushFinal(ctx context.Context) (Utterance, error) {
	_, _ = s.fakeSource.FlushFinal(ctx)
	<-ctx.Done()
	return Utterance{}, context.Cause(ctx)
}

func final(text string) Utterance   { return Utterance{Text: text, Final: true} }
func partial(text string) Utterance { return Utterance{Text: text} }

// frame returns ms milliseconds of silent 8 kHz PCM.
func frame(ms int) []byte { return make([]byte, 16*ms) }

var errBadFrame = errors.New("odd frame")

// factoryFor returns a SourceFactory that hands out src and records the
// configs it was asked for.
func factoryFor(src SpeechSource, seen *[]SourceConfig) SourceFactoryFunc {
	var mu sync.Mutex
	return func(_ context.Context, cfg SourceConfig) (SpeechSource, error) {
		mu.Lock()
		defer mu.Unlock()
		if seen != nil {
			*seen = append(*seen, cfg)
		}
		return src, nil
	}
}

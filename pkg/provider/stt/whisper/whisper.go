// Package whisper provides STT providers backed by whisper.cpp.
//
// whisper.cpp is a batch engine, so both providers simulate streaming: each
// session buffers incoming PCM, segments it into utterances with an energy
// detector, and transcribes every completed utterance as a single request.
// Completed utterances are emitted on Finals. No partials are produced; the
// Partials channel exists to satisfy stt.SessionHandle and is closed with the
// session.
//
// Provider talks to a running whisper-server over HTTP (POST /inference).
// NativeProvider loads a model file in-process through the CGO bindings.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("es"))
//	handle, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 8000})
//	handle.SendAudio(pcm)
//	handle.Close() // flushes the trailing utterance onto Finals
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/amdetect/pkg/provider/stt"
)

const (
	defaultLanguage            = "es"
	defaultSampleRate          = 8000
	defaultSilenceThresholdMs  = 400
	defaultMaxBufferDurationMs = 8_000
	defaultFlushTimeout        = 2 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server. Empty means
// whichever model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default recognition language. Defaults to "es".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the default sample rate in Hz. Defaults to 8000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithSilenceThresholdMs sets how much trailing silence ends an utterance.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs caps the length of a single utterance.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// WithFlushTimeout bounds the final transcription performed by Close.
func WithFlushTimeout(d time.Duration) Option {
	return func(p *Provider) { p.flushTimeout = d }
}

// Provider implements stt.Provider against a whisper.cpp HTTP server.
type Provider struct {
	serverURL           string
	model               string
	language            string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
	flushTimeout        time.Duration
	httpClient          *http.Client
}

// New creates a Provider for the server at serverURL
// (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           serverURL,
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		flushTimeout:        defaultFlushTimeout,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No connection is made until the first
// utterance completes.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	format := resolveFormat(cfg, p.language, p.sampleRate)
	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return p.infer(ctx, pcm, format)
	}
	return startSession(ctx, format, p.silenceThresholdMs, p.maxBufferDurationMs, p.flushTimeout, infer), nil
}

// infer uploads pcm as a WAV file and returns the transcribed text.
func (p *Provider) infer(ctx context.Context, pcm []byte, f format) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(pcm, f.sampleRate, f.channels)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{"language": f.language, "model": p.model, "response_format": "json"}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// ---- session ----------------------------------------------------------------

type format struct {
	language   string
	sampleRate int
	channels   int
}

func resolveFormat(cfg stt.StreamConfig, lang string, rate int) format {
	f := format{language: cfg.Language, sampleRate: cfg.SampleRate, channels: cfg.Channels}
	if f.language == "" {
		f.language = lang
	}
	if f.sampleRate <= 0 {
		f.sampleRate = rate
	}
	if f.channels <= 0 {
		f.channels = 1
	}
	return f
}

type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// session implements stt.SessionHandle for both providers. Segmentation state
// is confined to the run goroutine.
type session struct {
	format       format
	seg          *segmenter
	infer        inferFunc
	flushTimeout time.Duration

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func startSession(ctx context.Context, f format, silenceMs, maxBufferMs int, flushTimeout time.Duration, infer inferFunc) *session {
	s := &session{
		format:       f,
		seg:          newSegmenter(f.sampleRate, f.channels, silenceMs, maxBufferMs),
		infer:        infer,
		flushTimeout: flushTimeout,
		audioCh:      make(chan []byte, 256),
		partials:     make(chan stt.Transcript, 1),
		finals:       make(chan stt.Transcript, 64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.stop:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.stop:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close transcribes any buffered speech, closes both channels and waits for
// the session goroutine to exit.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.partials)
	defer close(s.finals)

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-s.stop:
			s.drain()
			s.flush()
			return
		case chunk := <-s.audioCh:
			if pcm, ok := s.seg.push(chunk); ok {
				s.transcribe(ctx, pcm)
			}
		}
	}
}

// drain segments audio that was queued before Close.
func (s *session) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()
	for {
		select {
		case chunk := <-s.audioCh:
			if pcm, ok := s.seg.push(chunk); ok {
				s.transcribe(ctx, pcm)
			}
		default:
			return
		}
	}
}

// flush transcribes the trailing utterance with a fresh context, since the
// session context may already be cancelled.
func (s *session) flush() {
	pcm, ok := s.seg.flush()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()
	s.transcribe(ctx, pcm)
}

func (s *session) transcribe(ctx context.Context, pcm []byte) {
	text, err := s.infer(ctx, pcm)
	if err != nil {
		slog.Warn("whisper: transcription failed", "bytes", len(pcm), "err", err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	dur := time.Duration(chunkDurationMs(pcm, s.format.sampleRate, s.format.channels)) * time.Millisecond
	select {
	case s.finals <- stt.Transcript{Text: text, IsFinal: true, Duration: dur}:
	default:
		slog.Warn("whisper: finals buffer full, dropping transcript")
	}
}

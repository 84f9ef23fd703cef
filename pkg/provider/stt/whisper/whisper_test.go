package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/amdetect/pkg/provider/stt"
	"github.com/MrWong99/amdetect/pkg/provider/stt/whisper"
)

type inferenceServer struct {
	*httptest.Server
	calls atomic.Int32

	mu        sync.Mutex
	languages []string
}

func newInferenceServer(t *testing.T, text string) *inferenceServer {
	t.Helper()
	s := &inferenceServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		form, err := multipart.NewReader(r.Body, params["boundary"]).ReadForm(1 << 20)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.languages = append(s.languages, form.Value["language"]...)
		s.mu.Unlock()
		s.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(s.Close)
	return s
}

// speech returns ms milliseconds of a loud 8 kHz sine tone.
func speech(ms int) []byte {
	samples := 8 * ms
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/8000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func silence(ms int) []byte { return make([]byte, 8*ms*2) }

func waitFinal(t *testing.T, ch <-chan stt.Transcript) stt.Transcript {
	t.Helper()
	select {
	case tr, ok := <-ch:
		if !ok {
			t.Fatal("finals channel closed before a transcript arrived")
		}
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}
	return stt.Transcript{}
}

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty server URL")
	}
}

func TestNewNative_EmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

func TestStartStream_CancelledContext(t *testing.T) {
	t.Parallel()
	p, err := whisper.New("http://127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.StartStream(ctx, stt.StreamConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestSession_SilenceEndsUtterance(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, " hola ")
	p, err := whisper.New(srv.URL, whisper.WithSilenceThresholdMs(200))
	if err != nil {
		t.Fatal(err)
	}
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 8000})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	for _, chunk := range [][]byte{speech(300), silence(100), silence(100)} {
		if err := h.SendAudio(chunk); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	tr := waitFinal(t, h.Finals())
	if tr.Text != "hola" {
		t.Errorf("Text = %q, want %q", tr.Text, "hola")
	}
	if !tr.IsFinal {
		t.Error("IsFinal = false, want true")
	}
	if tr.Duration != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", tr.Duration)
	}
	if got := srv.calls.Load(); got != 1 {
		t.Errorf("inference calls = %d, want 1", got)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.languages) != 1 || srv.languages[0] != "es" {
		t.Errorf("languages = %v, want [es]", srv.languages)
	}
}

func TestSession_SilenceOnlyNeverTranscribes(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "ignored")
	p, _ := whisper.New(srv.URL)
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		_ = h.SendAudio(silence(200))
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for tr := range h.Finals() {
		t.Errorf("unexpected transcript %q", tr.Text)
	}
	if got := srv.calls.Load(); got != 0 {
		t.Errorf("inference calls = %d, want 0", got)
	}
}

func TestSession_CloseFlushesTrailingSpeech(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "deje su mensaje")
	p, _ := whisper.New(srv.URL, whisper.WithLanguage("en"))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{Language: "es"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.SendAudio(speech(400)); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []string
	for tr := range h.Finals() {
		got = append(got, tr.Text)
	}
	if len(got) != 1 || got[0] != "deje su mensaje" {
		t.Errorf("finals = %v, want [deje su mensaje]", got)
	}
	if _, ok := <-h.Partials(); ok {
		t.Error("partials channel should be closed")
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.languages) != 1 || srv.languages[0] != "es" {
		t.Errorf("stream language should override provider default, got %v", srv.languages)
	}
}

func TestSession_CloseIdempotentAndRejectsAudio(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "x")
	p, _ := whisper.New(srv.URL)
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.SendAudio(speech(20)); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSession_ServerErrorDropsUtterance(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	_ = h.SendAudio(speech(200))
	_ = h.Close()
	for tr := range h.Finals() {
		t.Errorf("unexpected transcript %q", tr.Text)
	}
}

func TestSession_MaxBufferForcesUtterance(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "largo")
	p, _ := whisper.New(srv.URL, whisper.WithMaxBufferDurationMs(200))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	_ = h.SendAudio(speech(100))
	_ = h.SendAudio(speech(100))
	if tr := waitFinal(t, h.Finals()); tr.Text != "largo" {
		t.Errorf("Text = %q, want %q", tr.Text, "largo")
	}
}

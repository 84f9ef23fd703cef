package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/amdetect/internal/amd"
	"github.com/MrWong99/amdetect/internal/config"
	"github.com/MrWong99/amdetect/pkg/provider/stt"
)

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug

providers:
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-2
  stt_fallbacks:
    - name: whisper
      base_url: http://localhost:8080

detection:
  decision_timeout_seconds: 4
  poll_interval_seconds: 0.25
  flush_timeout_seconds: 0.5
  machine_speech_seconds: 3
  sample_rate: 16000
  language: en
  voicemail_keywords: ["leave a message", "voicemail"]
  human_greetings: ["hello"]
`

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.STT.Name != "deepgram" || cfg.Providers.STT.APIKey != "dg-test" || cfg.Providers.STT.Model != "nova-2" {
		t.Errorf("providers.stt = %+v", cfg.Providers.STT)
	}
	if len(cfg.Providers.STTFallbacks) != 1 || cfg.Providers.STTFallbacks[0].BaseURL != "http://localhost:8080" {
		t.Errorf("providers.stt_fallbacks = %+v", cfg.Providers.STTFallbacks)
	}

	d := cfg.Detection
	if d.DecisionTimeoutSeconds != 4 || d.PollIntervalSeconds != 0.25 || d.FlushTimeoutSeconds != 0.5 || d.MachineSpeechSeconds != 3 {
		t.Errorf("detection timing = %+v", d)
	}
	if d.SampleRate != 16000 || d.Language != "en" {
		t.Errorf("detection audio = %d %q", d.SampleRate, d.Language)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  stt:\n    name: whisper\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	d := cfg.Detection
	if d.DecisionTimeoutSeconds != 3.5 || d.PollIntervalSeconds != 0.5 || d.FlushTimeoutSeconds != 0.25 || d.MachineSpeechSeconds != 2.5 {
		t.Errorf("timing defaults = %+v", d)
	}
	if d.SampleRate != 8000 || d.Language != "es" {
		t.Errorf("audio defaults = %d %q", d.SampleRate, d.Language)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("providers:\n  stt:\n    name: whisper\nnpcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestDetectionConfig_Rules(t *testing.T) {
	t.Parallel()

	t.Run("empty lists keep built-in vocabulary", func(t *testing.T) {
		t.Parallel()
		r := config.DetectionConfig{}.Rules()
		if !slices.Equal(r.VoicemailKeywords, amd.DefaultVoicemailKeywords) {
			t.Error("voicemail keywords should default to the built-in list")
		}
		if !slices.Equal(r.HumanGreetings, amd.DefaultHumanGreetings) {
			t.Error("human greetings should default to the built-in list")
		}
		if r.MachineSpeechSeconds != 2.5 {
			t.Errorf("MachineSpeechSeconds = %v, want 2.5", r.MachineSpeechSeconds)
		}
	})

	t.Run("configured lists replace defaults", func(t *testing.T) {
		t.Parallel()
		r := config.DetectionConfig{
			VoicemailKeywords:    []string{"beep"},
			HumanGreetings:       []string{"yo"},
			MachineSpeechSeconds: 4,
		}.Rules()
		if !slices.Equal(r.VoicemailKeywords, []string{"beep"}) || !slices.Equal(r.HumanGreetings, []string{"yo"}) {
			t.Errorf("rules = %+v", r)
		}
		if r.MachineSpeechSeconds != 4 {
			t.Errorf("MachineSpeechSeconds = %v, want 4", r.MachineSpeechSeconds)
		}
	})
}

func TestDetectionConfig_Timing(t *testing.T) {
	t.Parallel()
	got := config.DetectionConfig{DecisionTimeoutSeconds: 3.5, PollIntervalSeconds: 0.5, FlushTimeoutSeconds: 0.25}.Timing()
	if got.DecisionTimeout != 3500*time.Millisecond || got.PollInterval != 500*time.Millisecond || got.FlushTimeout != 250*time.Millisecond {
		t.Errorf("Timing = %+v", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

type stubSTT struct{ entry config.ProviderEntry }

func (s *stubSTT) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, errors.New("stub")
}

func TestRegistry_CreateSTT(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		return &stubSTT{entry: e}, nil
	})
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) {
		return nil, errors.New("missing api key")
	})

	p, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper", BaseURL: "http://x"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if s, ok := p.(*stubSTT); !ok || s.entry.BaseURL != "http://x" {
		t.Errorf("factory did not receive the entry: %+v", p)
	}

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram"}); err == nil || errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("factory error = %v, want the factory's own error", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "azure"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if got := reg.STTNames(); !slices.Equal(got, []string{"deepgram", "whisper"}) {
		t.Errorf("STTNames = %v", got)
	}
}

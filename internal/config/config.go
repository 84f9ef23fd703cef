// Package config provides the configuration schema, loader, and STT provider
// registry for the answering-machine detection service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/amdetect/internal/amd"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel converts l to a [slog.Level]. Unknown or empty levels map to
// [slog.LevelInfo].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr             = ":8000"
	DefaultDecisionTimeoutSeconds = 3.5
	DefaultPollIntervalSeconds    = 0.5
	DefaultMachineSpeechSeconds   = 2.5
	DefaultFlushTimeoutSeconds    = 0.25
	DefaultSampleRate             = 8000
	DefaultLanguage               = "es"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Detection DetectionConfig `yaml:"detection"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig selects the speech-to-text backends. Each entry names a
// provider registered in the [Registry].
type ProvidersConfig struct {
	// STT is the preferred backend.
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when the preferred backend cannot open
	// a stream.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all providers.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider (e.g., "nova-2"). For
	// whisper-native it is the path of the model file.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// DetectionConfig holds the decision engine's vocabulary and timing.
type DetectionConfig struct {
	// DecisionTimeoutSeconds is the wall-clock deadline after which a
	// streaming session is forced to decide.
	DecisionTimeoutSeconds float64 `yaml:"decision_timeout_seconds"`

	// PollIntervalSeconds bounds how long the controller waits for a frame
	// before re-checking the deadline.
	PollIntervalSeconds float64 `yaml:"poll_interval_seconds"`

	// FlushTimeoutSeconds is how long a forced decision waits for the STT
	// backend's trailing text. Forced results arrive no later than the
	// deadline plus this.
	FlushTimeoutSeconds float64 `yaml:"flush_timeout_seconds"`

	// MachineSpeechSeconds is the speech duration that, with enough words,
	// indicates a recording.
	MachineSpeechSeconds float64 `yaml:"machine_speech_seconds"`

	// SampleRate is used by streams that do not announce their own.
	SampleRate int `yaml:"sample_rate"`

	// Language is the recognition language passed to the STT backend.
	Language string `yaml:"language"`

	// VoicemailKeywords replaces the built-in keyword list when non-empty.
	VoicemailKeywords []string `yaml:"voicemail_keywords"`

	// HumanGreetings replaces the built-in greeting list when non-empty.
	HumanGreetings []string `yaml:"human_greetings"`
}

// Rules returns the classifier rules described by d.
func (d DetectionConfig) Rules() amd.Rules {
	r := amd.DefaultRules()
	if len(d.VoicemailKeywords) > 0 {
		r.VoicemailKeywords = d.VoicemailKeywords
	}
	if len(d.HumanGreetings) > 0 {
		r.HumanGreetings = d.HumanGreetings
	}
	if d.MachineSpeechSeconds > 0 {
		r.MachineSpeechSeconds = d.MachineSpeechSeconds
	}
	return r
}

// Timing returns the controller timing described by d.
func (d DetectionConfig) Timing() amd.Timing {
	return amd.Timing{
		DecisionTimeout: seconds(d.DecisionTimeoutSeconds),
		PollInterval:    seconds(d.PollIntervalSeconds),
		FlushTimeout:    seconds(d.FlushTimeoutSeconds),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

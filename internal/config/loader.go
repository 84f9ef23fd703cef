package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in STT provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"deepgram", "whisper", "whisper-native"}

// Environment variables read by [ApplyEnv].
const (
	EnvModelPath       = "AMD_MODEL_PATH"
	EnvHost            = "AMD_HOST"
	EnvPort            = "AMD_PORT"
	EnvDecisionTimeout = "AMD_DECISION_TIMEOUT_SECONDS"
	EnvMachineSpeech   = "AMD_MIN_SPEECH_FOR_MACHINE"
	EnvLogLevel        = "AMD_LOG_LEVEL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// parse decodes data, applies environment overrides from getenv and the
// defaults, and validates the result.
func parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the AMD_* environment variables returned by
// getenv. Unset or empty variables leave cfg untouched.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error

	if v := getenv(EnvModelPath); v != "" {
		if cfg.Providers.STT.Name == "" {
			cfg.Providers.STT.Name = "whisper-native"
		}
		cfg.Providers.STT.Model = v
	}

	host, port := getenv(EnvHost), getenv(EnvPort)
	if host != "" || port != "" {
		curHost, curPort, err := net.SplitHostPort(cfg.Server.ListenAddr)
		if err != nil {
			curHost, curPort = "", strconv.Itoa(8000)
		}
		if host != "" {
			curHost = host
		}
		if port != "" {
			if _, err := strconv.ParseUint(port, 10, 16); err != nil {
				errs = append(errs, fmt.Errorf("%s %q is not a valid port", EnvPort, port))
			}
			curPort = port
		}
		cfg.Server.ListenAddr = net.JoinHostPort(curHost, curPort)
	}

	if v := getenv(EnvDecisionTimeout); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvDecisionTimeout, err))
		} else {
			cfg.Detection.DecisionTimeoutSeconds = f
		}
	}
	if v := getenv(EnvMachineSpeech); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMachineSpeech, err))
		} else {
			cfg.Detection.MachineSpeechSeconds = f
		}
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// ApplyDefaults fills zero values in cfg with the service defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	d := &cfg.Detection
	if d.DecisionTimeoutSeconds == 0 {
		d.DecisionTimeoutSeconds = DefaultDecisionTimeoutSeconds
	}
	if d.PollIntervalSeconds == 0 {
		d.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if d.FlushTimeoutSeconds == 0 {
		d.FlushTimeoutSeconds = DefaultFlushTimeoutSeconds
	}
	if d.MachineSpeechSeconds == 0 {
		d.MachineSpeechSeconds = DefaultMachineSpeechSeconds
	}
	if d.SampleRate == 0 {
		d.SampleRate = DefaultSampleRate
	}
	if d.Language == "" {
		d.Language = DefaultLanguage
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("providers.stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		prefix := fmt.Sprintf("providers.stt_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, fb.Name)
	}

	// Detection
	d := cfg.Detection
	if d.DecisionTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("detection.decision_timeout_seconds %.2f must be positive", d.DecisionTimeoutSeconds))
	}
	if d.PollIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("detection.poll_interval_seconds %.2f must be positive", d.PollIntervalSeconds))
	}
	if d.DecisionTimeoutSeconds > 0 && d.PollIntervalSeconds > d.DecisionTimeoutSeconds {
		errs = append(errs, fmt.Errorf("detection.poll_interval_seconds %.2f exceeds decision_timeout_seconds %.2f", d.PollIntervalSeconds, d.DecisionTimeoutSeconds))
	}
	if d.FlushTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("detection.flush_timeout_seconds %.2f must not be negative", d.FlushTimeoutSeconds))
	}
	if d.MachineSpeechSeconds < 0 {
		errs = append(errs, fmt.Errorf("detection.machine_speech_seconds %.2f must be positive", d.MachineSpeechSeconds))
	}
	if d.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("detection.sample_rate %d must be positive", d.SampleRate))
	}
	for i, k := range d.VoicemailKeywords {
		if k == "" {
			errs = append(errs, fmt.Errorf("detection.voicemail_keywords[%d] is empty", i))
		}
	}
	for i, g := range d.HumanGreetings {
		if g == "" {
			errs = append(errs, fmt.Errorf("detection.human_greetings[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}

package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	// RulesChanged is true if the keyword or greeting lists, or the
	// machine-speech threshold changed.
	RulesChanged bool

	// TimingChanged is true if the decision deadline, poll interval or flush
	// timeout changed.
	TimingChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed fields that only take effect after a
	// restart (listen address, providers, language, default sample rate).
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.RulesChanged || d.TimingChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	od, nd := old.Detection, new.Detection
	if !slices.Equal(od.VoicemailKeywords, nd.VoicemailKeywords) ||
		!slices.Equal(od.HumanGreetings, nd.HumanGreetings) ||
		od.MachineSpeechSeconds != nd.MachineSpeechSeconds {
		d.RulesChanged = true
	}
	if od.DecisionTimeoutSeconds != nd.DecisionTimeoutSeconds ||
		od.PollIntervalSeconds != nd.PollIntervalSeconds ||
		od.FlushTimeoutSeconds != nd.FlushTimeoutSeconds {
		d.TimingChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if od.Language != nd.Language {
		d.RestartRequired = append(d.RestartRequired, "detection.language")
	}
	if od.SampleRate != nd.SampleRate {
		d.RestartRequired = append(d.RestartRequired, "detection.sample_rate")
	}

	return d
}

// providersEqual compares provider entries by their scalar fields. Options
// maps are not compared.
func providersEqual(a, b ProvidersConfig) bool {
	eq := func(x, y ProviderEntry) bool {
		return x.Name == y.Name && x.APIKey == y.APIKey && x.BaseURL == y.BaseURL && x.Model == y.Model
	}
	return eq(a.STT, b.STT) && slices.EqualFunc(a.STTFallbacks, b.STTFallbacks, eq)
}

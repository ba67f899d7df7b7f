package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Persona, model, and timeout changes are picked up by the next session
// without a restart. Fields listed in RestartRequired only take effect after
// the process restarts.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any field read at session start changed.
	SessionChanged      bool
	VoiceChanged        bool
	InstructionsChanged bool
	ModelChanged        bool
	TranscriptChanged   bool
	CredentialChanged   bool
	TimeoutChanged      bool

	// RestartRequired lists the dotted keys that changed but cannot be
	// applied to a running process.
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Per-session settings
	d.VoiceChanged = old.Voice.Name != new.Voice.Name
	d.InstructionsChanged = old.Voice.Instructions != new.Voice.Instructions
	d.TranscriptChanged = old.Voice.Transcription() != new.Voice.Transcription()
	d.ModelChanged = old.Provider.Model != new.Provider.Model
	d.CredentialChanged = old.Provider.APIKeyEnv != new.Provider.APIKeyEnv
	d.TimeoutChanged = old.Session.ConnectTimeout != new.Session.ConnectTimeout
	d.SessionChanged = d.VoiceChanged || d.InstructionsChanged || d.TranscriptChanged ||
		d.ModelChanged || d.CredentialChanged || d.TimeoutChanged

	// Wiring fixed at startup
	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !sameTLS(old.Server.TLS, new.Server.TLS))
	restart("server.trace_sample_ratio", old.Server.TraceSampleRatio != new.Server.TraceSampleRatio)
	restart("provider.name", old.Provider.Name != new.Provider.Name)
	restart("provider.base_url", old.Provider.BaseURL != new.Provider.BaseURL)
	restart("provider.fallbacks", !slices.EqualFunc(old.Provider.Fallbacks, new.Provider.Fallbacks, sameFallback))
	restart("audio", old.Audio != new.Audio)
	restart("resilience", old.Resilience != new.Resilience)

	return d
}

func sameFallback(a, b ProviderConfig) bool {
	return a.Name == b.Name && a.BaseURL == b.BaseURL && a.APIKeyEnv == b.APIKeyEnv
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Package config provides the configuration schema, loader, watcher, and
// provider registry for the studiovoice server.
package config

import (
	"log/slog"
	"time"
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

// Level maps l to its slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// DeviceKind selects the audio device implementation.
type DeviceKind string

const (
	// DevicePortAudio uses the host's default input and output devices.
	DevicePortAudio DeviceKind = "portaudio"

	// DeviceWAV replays a WAV file as the microphone and renders playback
	// against the wall clock.
	DeviceWAV DeviceKind = "wav"
)

// IsValid reports whether d is a recognised device kind.
func (d DeviceKind) IsValid() bool {
	return d == DevicePortAudio || d == DeviceWAV
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultProvider     = "gemini-live"
	DefaultAPIKeyEnv    = "API_KEY"
	DefaultVoice        = "Charon"
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second

	DefaultInstructions = "You are the Studio Assistant for Corbett Design Studio. " +
		"Answer questions about the studio's services, process, and availability " +
		"in a warm, concise, conversational tone. Keep answers short enough to be " +
		"spoken aloud."
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Voice      VoiceConfig      `yaml:"voice"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the control surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// TraceSampleRatio is the fraction of new traces recorded. Zero records
	// all of them.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderConfig selects the speech-to-speech backend. Name is looked up in
// the [Registry].
type ProviderConfig struct {
	// Name selects the registered provider (e.g., "gemini-live").
	Name string `yaml:"name"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable read for the credential at
	// every session start. The key itself never lives in the config file.
	APIKeyEnv string `yaml:"api_key_env"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider cannot open a
	// session. Each uses its own default model; an empty api_key_env reuses
	// the primary credential. Only valid on the top-level provider.
	Fallbacks []ProviderConfig `yaml:"fallbacks"`
}

// VoiceConfig defines the assistant persona.
type VoiceConfig struct {
	// Name is the prebuilt voice (e.g., "Charon").
	Name string `yaml:"name"`

	// Instructions is the system prompt.
	Instructions string `yaml:"instructions"`

	// OutputTranscription streams a transcript of the spoken reply.
	// Defaults to true.
	OutputTranscription *bool `yaml:"output_transcription"`
}

// Transcription reports whether output transcription is enabled.
func (v VoiceConfig) Transcription() bool {
	return v.OutputTranscription == nil || *v.OutputTranscription
}

// AudioConfig selects and configures the audio devices.
type AudioConfig struct {
	Device DeviceKind `yaml:"device"`

	// InputFile is the WAV file replayed as microphone input when Device is
	// "wav".
	InputFile string `yaml:"input_file"`

	// Loop restarts InputFile when it ends.
	Loop bool `yaml:"loop"`

	// RecordDir, when set, receives a WAV file of each session's captured
	// input and rendered output.
	RecordDir string `yaml:"record_dir"`
}

// SessionConfig bounds session lifecycle behaviour.
type SessionConfig struct {
	// ConnectTimeout bounds the time from start to the open ack. Zero waits
	// indefinitely.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Autostart starts a session as soon as the server is up.
	Autostart bool `yaml:"autostart"`
}

// ResilienceConfig tunes the circuit breaker around session connects.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Provider.APIKeyEnv == "" {
		cfg.Provider.APIKeyEnv = DefaultAPIKeyEnv
	}
	if cfg.Voice.Name == "" {
		cfg.Voice.Name = DefaultVoice
	}
	if cfg.Voice.Instructions == "" {
		cfg.Voice.Instructions = DefaultInstructions
	}
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = DevicePortAudio
	}
	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

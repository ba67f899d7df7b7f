package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/corbettdesign/studiovoice/internal/config"
)

const fullYAML = `
server:
  listen_addr: "127.0.0.1:9090"
  log_level: debug
provider:
  name: openai-realtime
  model: gpt-4o-mini-realtime
  base_url: wss://example.test/v1/realtime
  api_key_env: STUDIO_KEY
  options:
    region: eu
  fallbacks:
    - name: gemini-live
      api_key_env: GEMINI_API_KEY
voice:
  name: sage
  instructions: "You are the Studio Assistant."
  output_transcription: false
audio:
  device: wav
  input_file: testdata/question.wav
  loop: true
  record_dir: /tmp/sessions
session:
  connect_timeout: 10s
  autostart: true
resilience:
  max_failures: 3
  reset_timeout: 1m
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	p := cfg.Provider
	if p.Name != "openai-realtime" || p.Model != "gpt-4o-mini-realtime" || p.APIKeyEnv != "STUDIO_KEY" {
		t.Errorf("provider = %+v", p)
	}
	if len(p.Fallbacks) != 1 || p.Fallbacks[0].Name != "gemini-live" || p.Fallbacks[0].APIKeyEnv != "GEMINI_API_KEY" {
		t.Errorf("provider.fallbacks = %+v", p.Fallbacks)
	}
	if p.Options["region"] != "eu" {
		t.Errorf("provider.options = %v", p.Options)
	}
	if cfg.Voice.Name != "sage" || cfg.Voice.Transcription() {
		t.Errorf("voice = %+v, transcription %v", cfg.Voice, cfg.Voice.Transcription())
	}
	if cfg.Audio.Device != config.DeviceWAV || !cfg.Audio.Loop || cfg.Audio.RecordDir != "/tmp/sessions" {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Session.ConnectTimeout != 10*time.Second || !cfg.Session.Autostart {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.ResetTimeout != time.Minute {
		t.Errorf("resilience = %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := config.Default()
	if cfg.Server != want.Server || cfg.Audio != want.Audio || cfg.Resilience != want.Resilience {
		t.Errorf("cfg = %+v, want defaults %+v", cfg, want)
	}
	if cfg.Provider.Name != config.DefaultProvider || cfg.Provider.APIKeyEnv != config.DefaultAPIKeyEnv {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Voice.Name != config.DefaultVoice || cfg.Voice.Instructions != config.DefaultInstructions {
		t.Errorf("voice = %+v", cfg.Voice)
	}
	if !cfg.Voice.Transcription() {
		t.Error("output transcription should default to true")
	}
	if cfg.Session.ConnectTimeout != 0 {
		t.Errorf("connect_timeout = %s, want 0", cfg.Session.ConnectTimeout)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("voice:\n  persona: pirate\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "persona") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("session:\n  connect_timeout: soon\n"))
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		valid bool
		slog  slog.Level
	}{
		{config.LogDebug, true, slog.LevelDebug},
		{config.LogInfo, true, slog.LevelInfo},
		{config.LogWarn, true, slog.LevelWarn},
		{config.LogError, true, slog.LevelError},
		{"verbose", false, slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			t.Parallel()
			if got := tt.level.IsValid(); got != tt.valid {
				t.Errorf("IsValid = %v, want %v", got, tt.valid)
			}
			if got := tt.level.Level(); got != tt.slog {
				t.Errorf("Level = %v, want %v", got, tt.slog)
			}
		})
	}
}

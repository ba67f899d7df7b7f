package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/corbettdesign/studiovoice/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.SessionChanged {
		t.Error("log level is not a session setting")
	}
}

func TestDiff_SessionSettings(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"voice", func(c *config.Config) { c.Voice.Name = "Kore" }, func(d config.ConfigDiff) bool { return d.VoiceChanged }},
		{"instructions", func(c *config.Config) { c.Voice.Instructions = "Be brief." }, func(d config.ConfigDiff) bool { return d.InstructionsChanged }},
		{"transcription", func(c *config.Config) { c.Voice.OutputTranscription = &off }, func(d config.ConfigDiff) bool { return d.TranscriptChanged }},
		{"model", func(c *config.Config) { c.Provider.Model = "other" }, func(d config.ConfigDiff) bool { return d.ModelChanged }},
		{"credential", func(c *config.Config) { c.Provider.APIKeyEnv = "OTHER_KEY" }, func(d config.ConfigDiff) bool { return d.CredentialChanged }},
		{"timeout", func(c *config.Config) { c.Session.ConnectTimeout = time.Second }, func(d config.ConfigDiff) bool { return d.TimeoutChanged }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := config.Default(), config.Default()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !tt.check(d) || !d.SessionChanged {
				t.Errorf("diff = %+v", d)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_TranscriptionNilEqualsTrue(t *testing.T) {
	t.Parallel()
	on := true
	old, new := config.Default(), config.Default()
	new.Voice.OutputTranscription = &on
	if d := config.Diff(old, new); d.TranscriptChanged {
		t.Error("explicit true should equal the default")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Server.ListenAddr = ":9999"
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	new.Provider.Name = "openai-realtime"
	new.Provider.Fallbacks = []config.ProviderConfig{{Name: "gemini-live"}}
	new.Audio.RecordDir = "/tmp/rec"
	new.Resilience.MaxFailures = 1

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "server.tls", "provider.name", "provider.fallbacks", "audio", "resilience"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.SessionChanged {
		t.Error("restart-only changes should not mark session settings")
	}
}

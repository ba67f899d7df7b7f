package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corbettdesign/studiovoice/internal/config"
)

const (
	charonYAML  = "server:\n  log_level: info\nvoice:\n  name: Charon\n"
	koreYAML    = "server:\n  log_level: debug\nvoice:\n  name: Kore\n"
	invalidYAML = "server:\n  log_level: bananas\n"
)

// change is one onChange invocation.
type change struct{ old, new *config.Config }

// watchFile writes content to a fresh file and returns a watcher on it
// together with the channel its callback reports to. The watcher is not
// running yet.
func watchFile(t *testing.T, content string, interval time.Duration) (string, *config.Watcher, <-chan change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "studiovoice.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	changes := make(chan change, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		changes <- change{old, new}
	}, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, changes
}

// run starts w.Run and waits for it to return when the test ends.
func run(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	})
}

// rewrite replaces the file content and pushes its mtime forward so the edit
// is seen even on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
}

// quiet asserts no change arrives within a few polling intervals.
func quiet(t *testing.T, changes <-chan change) {
	t.Helper()
	select {
	case c := <-changes:
		t.Fatalf("unexpected change to voice %q", c.new.Voice.Name)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewWatcher(t *testing.T) {
	t.Parallel()

	_, w, _ := watchFile(t, charonYAML, time.Hour)
	cfg := w.Current()
	if cfg.Voice.Name != "Charon" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("initial config: voice %q, log level %q", cfg.Voice.Name, cfg.Server.LogLevel)
	}
	if cfg.Provider.Name != config.DefaultProvider {
		t.Errorf("defaults not applied: provider.name = %q", cfg.Provider.Name)
	}

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("NewWatcher accepted a missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte(invalidYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.NewWatcher(bad, nil); err == nil {
		t.Error("NewWatcher accepted an invalid file")
	}
}

func TestWatcher_PollPicksUpEdit(t *testing.T) {
	t.Parallel()

	path, w, changes := watchFile(t, charonYAML, 20*time.Millisecond)
	run(t, w)
	rewrite(t, path, koreYAML)

	select {
	case c := <-changes:
		if c.old.Voice.Name != "Charon" || c.new.Voice.Name != "Kore" {
			t.Errorf("change %q -> %q; want Charon -> Kore", c.old.Voice.Name, c.new.Voice.Name)
		}
		d := config.Diff(c.old, c.new)
		if !d.LogLevelChanged || !d.VoiceChanged {
			t.Errorf("diff = %+v; want log level and voice", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("edit not picked up")
	}
	if got := w.Current().Voice.Name; got != "Kore" {
		t.Errorf("Current().Voice.Name = %q", got)
	}
}

func TestWatcher_PollIgnores(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string // "" only touches the file
	}{
		{"touch without edit", ""},
		{"same bytes rewritten", charonYAML},
		{"invalid edit", invalidYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, w, changes := watchFile(t, charonYAML, 20*time.Millisecond)
			run(t, w)
			rewrite(t, path, tt.content)

			quiet(t, changes)
			if cfg := w.Current(); cfg.Voice.Name != "Charon" || cfg.Server.LogLevel != config.LogInfo {
				t.Errorf("current config replaced: voice %q, log level %q", cfg.Voice.Name, cfg.Server.LogLevel)
			}
		})
	}
}

func TestWatcher_RecoversAfterInvalidEdit(t *testing.T) {
	t.Parallel()

	path, w, changes := watchFile(t, charonYAML, 20*time.Millisecond)
	run(t, w)

	rewrite(t, path, invalidYAML)
	quiet(t, changes)
	rewrite(t, path, koreYAML)

	select {
	case c := <-changes:
		// The rejected file never became current.
		if c.old.Voice.Name != "Charon" {
			t.Errorf("old voice = %q; want Charon", c.old.Voice.Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid edit after an invalid one not picked up")
	}
}

func TestWatcher_StopEndsRun(t *testing.T) {
	t.Parallel()

	_, w, _ := watchFile(t, charonYAML, 20*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	w.Stop()
	w.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	// An hour-long interval leaves Reload as the only trigger.
	path, w, changes := watchFile(t, charonYAML, time.Hour)
	run(t, w)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := w.Reload(ctx); err != nil {
		t.Fatalf("Reload unchanged: %v", err)
	}
	if err := os.WriteFile(path, []byte(invalidYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Reload(ctx); err == nil {
		t.Fatal("Reload accepted an invalid file")
	}
	if err := os.WriteFile(path, []byte(koreYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	// onChange runs before Reload returns, so exactly one change is queued.
	select {
	case c := <-changes:
		if c.new.Voice.Name != "Kore" {
			t.Errorf("reloaded voice = %q, want Kore", c.new.Voice.Name)
		}
	default:
		t.Fatal("no change recorded by the time Reload returned")
	}
	select {
	case c := <-changes:
		t.Errorf("extra change to %q", c.new.Voice.Name)
	default:
	}
}

func TestWatcher_ReloadWithoutRun(t *testing.T) {
	t.Parallel()

	_, w, _ := watchFile(t, charonYAML, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Reload(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Reload with no Run = %v; want DeadlineExceeded", err)
	}

	w.Stop()
	if err := w.Reload(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("Reload after Stop = %v; want context.Canceled", err)
	}
}

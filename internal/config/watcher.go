package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps a validated [Config] in step with a YAML file on disk.
//
// It polls the file's modification time and re-reads it when that moves. A
// file whose content hash is unchanged (a touch) or that fails validation
// is ignored and the previous config stays current. Valid edits are handed
// to the onChange callback together with the config they replace.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	reload   chan chan error
	done     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	snap snapshot

	// rejected is the mtime of the last file that failed validation, so a
	// broken edit is reported once rather than on every poll.
	rejected time.Time
}

// snapshot is one accepted version of the file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger for reload and rejection messages.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and returns a watcher holding it as the current
// config. The file must be valid now. Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		reload:   make(chan chan error),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.snap = snap
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.cfg
}

// Run polls until ctx is done or [Watcher.Stop] is called, then returns
// nil. Checks requested through [Watcher.Reload] are served here too, so
// onChange is never called concurrently with itself.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-ticker.C:
			if err := w.check(false); err != nil {
				w.log.Warn("config: keeping previous config", "path", w.path, "err", err)
			}
		case reply := <-w.reload:
			reply <- w.check(true)
		}
	}
}

// Reload re-reads the file now regardless of its modification time, for
// example on SIGHUP. It returns the validation error when the file is
// rejected. Reload blocks until [Watcher.Run] serves it or ctx ends.
func (w *Watcher) Reload(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.reload <- reply:
	case <-w.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends [Watcher.Run]. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// check accepts the file if its content changed and it is valid. Unless
// force is set, a file whose mtime has not moved since the last accepted or
// rejected read is not read again. check runs only on the Run goroutine.
func (w *Watcher) check(force bool) error {
	w.mu.Lock()
	prev := w.snap
	w.mu.Unlock()

	var mtime time.Time
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		mtime = info.ModTime()
		if mtime.Equal(prev.mtime) || mtime.Equal(w.rejected) {
			return nil
		}
	}

	next, err := readSnapshot(w.path)
	if err != nil {
		w.rejected = mtime
		return err
	}
	if next.sum == prev.sum {
		next.cfg = prev.cfg
		w.mu.Lock()
		w.snap = next
		w.mu.Unlock()
		return nil
	}

	w.mu.Lock()
	w.snap = next
	w.mu.Unlock()
	w.log.Info("config: reloaded", "path", w.path)

	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
	return nil
}

// readSnapshot parses and validates the file at path.
func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}

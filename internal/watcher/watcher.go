// Package watcher reloads the search engine when a build publishes new
// index generations to the data directory.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Aman-CERP/lexsearch/internal/store"
)

// Reloader swaps in the generations named by the manifest.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Options configures the watcher.
type Options struct {
	// DebounceWindow is the quiet period after the last manifest event.
	// Default: 200ms
	DebounceWindow time.Duration

	// PollInterval is the stat interval when fsnotify is unavailable.
	// Default: 5s
	PollInterval time.Duration

	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow: 200 * time.Millisecond,
		PollInterval:   5 * time.Second,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow == 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaults.PollInterval
	}
	return o
}

// ManifestWatcher watches the generation manifest and calls Reload after
// each settled change.
type ManifestWatcher struct {
	dir       string
	target    Reloader
	opts      Options
	debouncer *Debouncer
	reloads   atomic.Uint64
	failures  atomic.Uint64

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// New creates a watcher for the manifest in dataDir.
func New(dataDir string, target Reloader, opts Options) *ManifestWatcher {
	opts = opts.WithDefaults()
	return &ManifestWatcher{
		dir:       dataDir,
		target:    target,
		opts:      opts,
		debouncer: NewDebouncer(opts.DebounceWindow),
		stopCh:    make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called. It falls back to
// polling when fsnotify cannot watch the directory.
func (w *ManifestWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	defer w.debouncer.Stop()

	if !w.opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fsw.Add(w.dir); err == nil {
				slog.Debug("manifest_watch_started", slog.String("dir", w.dir), slog.String("mode", "fsnotify"))
				return w.runFsnotify(ctx, fsw)
			}
			_ = fsw.Close()
		}
		slog.Warn("manifest_watch_fallback",
			slog.String("dir", w.dir),
			slog.String("error", err.Error()))
	}
	slog.Debug("manifest_watch_started", slog.String("dir", w.dir), slog.String("mode", "polling"))
	return w.runPolling(ctx)
}

func (w *ManifestWatcher) runFsnotify(ctx context.Context, fsw *fsnotify.Watcher) error {
	defer func() { _ = fsw.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) == store.ManifestFile &&
				event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.debouncer.Trigger()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("manifest_watch_error", slog.String("error", err.Error()))
		case <-w.debouncer.Output():
			w.reload(ctx)
		}
	}
}

type manifestState struct {
	modTime time.Time
	size    int64
}

func (w *ManifestWatcher) stat() manifestState {
	info, err := os.Stat(filepath.Join(w.dir, store.ManifestFile))
	if err != nil {
		return manifestState{}
	}
	return manifestState{modTime: info.ModTime(), size: info.Size()}
}

func (w *ManifestWatcher) runPolling(ctx context.Context) error {
	last := w.stat()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-ticker.C:
			if cur := w.stat(); cur != last {
				last = cur
				w.debouncer.Trigger()
			}
		case <-w.debouncer.Output():
			w.reload(ctx)
		}
	}
}

func (w *ManifestWatcher) reload(ctx context.Context) {
	start := time.Now()
	if err := w.target.Reload(ctx); err != nil {
		w.failures.Add(1)
		slog.Warn("generation_reload_failed", slog.String("error", err.Error()))
		return
	}
	w.reloads.Add(1)
	slog.Info("generations_reloaded", slog.Duration("duration", time.Since(start)))
}

// Reloads reports how many reloads succeeded.
func (w *ManifestWatcher) Reloads() uint64 {
	return w.reloads.Load()
}

// Failures reports how many reloads failed.
func (w *ManifestWatcher) Failures() uint64 {
	return w.failures.Load()
}

// Stop ends Run. Safe to call multiple times.
func (w *ManifestWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
}

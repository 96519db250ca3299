// Package confwatch re-reads a configuration file when it changes on disk
// and hands the result to a reload callback.
package confwatch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
	"pkt.systems/stackd/internal/clock"
	"pkt.systems/stackd/internal/svcfields"
)

// DefaultDebounce coalesces the burst of events editors emit for one save.
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc is invoked after the watched file settles.
type ReloadFunc func(ctx context.Context) error

// Option customises a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l pslog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock replaces the clock used for debouncing.
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// Watcher follows one file. The parent directory is watched so atomic
// rename-style saves are seen too.
type Watcher struct {
	path     string
	reload   ReloadFunc
	logger   pslog.Logger
	clock    clock.Clock
	debounce time.Duration
	fsw      *fsnotify.Watcher
}

// New starts watching path. Run must be called to deliver reloads.
func New(path string, reload ReloadFunc, opts ...Option) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("confwatch: path required")
	}
	if reload == nil {
		return nil, fmt.Errorf("confwatch: reload callback required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("confwatch: resolve %q: %w", path, err)
	}
	w := &Watcher{
		path:     filepath.Clean(abs),
		reload:   reload,
		logger:   pslog.NoopLogger(),
		clock:    clock.Real{},
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = svcfields.WithSubsystem(w.logger, "control.confwatch")
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("confwatch: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("confwatch: watch %q: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw
	return w, nil
}

// Path returns the absolute watched path.
func (w *Watcher) Path() string {
	return w.path
}

// Run delivers reloads until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	w.logger.Info("stackd.confwatch.started", "path", w.path, "debounce", w.debounce)
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Trace("stackd.confwatch.event", "op", ev.Op.String())
			settle = w.clock.After(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("stackd.confwatch.error", "error", err)
		case <-settle:
			settle = nil
			if err := w.reload(ctx); err != nil {
				w.logger.Warn("stackd.confwatch.reload_failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("stackd.confwatch.reloaded", "path", w.path)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

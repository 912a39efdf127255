package decision

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 300 * time.Millisecond

// Watcher reloads a RuleSource when its file changes. Editors that replace
// the file on save are handled by watching the parent directory.
type Watcher struct {
	source   *RuleSource
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	logger   *slog.Logger
	onReload func(error)
}

func NewWatcher(source *RuleSource) *Watcher {
	return &Watcher{source: source, delay: debounceDelay}
}

func (w *Watcher) SetLogger(logger *slog.Logger) {
	w.logger = logger
}

// OnReload registers a callback invoked after every reload attempt.
func (w *Watcher) OnReload(fn func(error)) {
	w.onReload = fn
}

// Start blocks until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher
	target := filepath.Clean(w.source.Path())
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			_ = w.watcher.Close()
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) == target && shouldReload(event) {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logError("watcher_error", "error", err)
		}
	}
}

func shouldReload(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		err := w.source.Reload()
		if err != nil {
			w.logError("rules_reload_failed", "path", w.source.Path(), "error", err)
		} else {
			w.logInfo("rules_reloaded", "path", w.source.Path())
		}
		if w.onReload != nil {
			w.onReload(err)
		}
	})
}

func (w *Watcher) logInfo(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Info(msg, args...)
	}
}

func (w *Watcher) logError(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Error(msg, args...)
	}
}

// Package watcher turns filesystem events on a configuration file into
// debounced change notifications. Editors and provisioning tools rarely write
// a file with a single syscall; many use write-temp-then-rename, which emits
// a burst of events and drops the original path from the watch list. The
// watcher coalesces each burst into one callback and re-arms the watch after
// atomic replacements.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period required after the last filesystem
// event before the change callback fires.
const DefaultDebounce = 200 * time.Millisecond

// Watcher monitors a single file and invokes a callback once per settled
// burst of changes.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()

	fsw *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a watcher for path. onChange runs on the watcher's own
// goroutine after each debounced change; it must not block for long.
func New(path string, debounce time.Duration, onChange func()) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	return &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		fsw:      fsw,
	}, nil
}

// Run processes filesystem events until ctx is cancelled. It always returns
// nil after cleanup so it can run under an errgroup without aborting siblings.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("file watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	slog.Debug("filesystem event", "path", w.path, "op", event.Op.String())

	// Atomic-write editors rename or remove the watched inode; the watch has
	// to be re-added against the replacement file, which may not exist yet.
	if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
		go w.rearm()
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

// rearm re-adds the watch with exponential backoff. A replacement file from
// an atomic rename can lag the event by a few milliseconds.
func (w *Watcher) rearm() {
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
		}
		if err := w.fsw.Add(w.path); err == nil {
			return
		}
	}
	slog.Warn("could not re-establish file watch", "path", w.path)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

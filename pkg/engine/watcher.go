package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events, such as editors writing
// through a temp file, into one reload.
const DefaultDebounce = 100 * time.Millisecond

// SourceWatcher reloads directive sources when they change on disk.
type SourceWatcher struct {
	path     string
	dir      bool
	reloader *Reloader
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewSourceWatcher watches path, a source file or a directory of them.
// It does not load the source; call Reloader.ReloadPath first.
func NewSourceWatcher(path string, reloader *Reloader, debounce time.Duration, logger *slog.Logger) (*SourceWatcher, error) {
	if reloader == nil {
		return nil, errors.New("source watcher: reloader is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat source path: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := absPath
	if !info.IsDir() {
		// watch the parent so renames over the file are seen
		dir = filepath.Dir(absPath)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &SourceWatcher{
		path:     absPath,
		dir:      info.IsDir(),
		reloader: reloader,
		debounce: debounce,
		logger:   logger,
		watcher:  watcher,
	}, nil
}

// Start runs the watch loop until ctx is cancelled or Close is called.
func (w *SourceWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Close stops watching and waits for the loop to exit.
func (w *SourceWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	if w.done != nil {
		<-w.done
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *SourceWatcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("directive source watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *SourceWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	name := filepath.Clean(event.Name)
	if w.dir {
		return filepath.Ext(name) == SourceExt
	}
	return name == w.path
}

func (w *SourceWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *SourceWatcher) reload() {
	snap, err := w.reloader.ReloadPath(w.path)
	if err != nil {
		// the reloader already logged and audited the rejection
		return
	}
	w.logger.Debug("directive source reloaded", "path", w.path, "generation", snap.Generation)
}

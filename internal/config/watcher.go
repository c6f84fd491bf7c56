package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/blockrun/blockrun/internal/logging"
)

// reloadDebounce coalesces the write/rename bursts editors produce
// when saving a file.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands
// the freshly parsed result to a callback. Reload failures keep the
// previous config in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Config)
	mu       sync.Mutex
	stopCh   chan struct{}
	running  bool
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		watcher:  fsw,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Safe to call once; repeated calls are no-ops.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory rather than the file itself: atomic saves
	// replace the inode and a direct file watch goes stale.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	logging.L_info("config: watching for changes", "file", filepath.Base(w.path), "dir", dir)
	go w.watchLoop(ctx)
	return nil
}

// Stop stops watching the config file.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.running = false
	logging.L_debug("config: watcher stopped")
}

func (w *Watcher) watchLoop(ctx context.Context) {
	targetFile := filepath.Base(w.path)

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != targetFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.L_trace("config: file event", "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerCh = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.L_warn("config: watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.L_warn("config: reload failed, keeping previous config", "error", err)
		return
	}
	logging.L_info("config: reloaded", "file", filepath.Base(w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

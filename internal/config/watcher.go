package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/openmux/modelgate/internal/logging"
)

// reloadDebounce coalesces editor write bursts into a single reload.
const reloadDebounce = 300 * time.Millisecond

// Watcher reloads the config file on change and hands the parsed result to
// a callback. The callback decides what to apply; the watcher never mutates
// gateway state itself.
type Watcher struct {
	path     string
	onReload func(*Config)

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onReload func(*Config)) *Watcher {
	return &Watcher{path: filepath.Clean(path), onReload: onReload}
}

// Start watches the config file's directory until ctx is cancelled.
// Watching the directory instead of the file survives rename-based saves.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer func() { _ = fsw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.scheduleReload()
			case errWatch, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.WithError(errWatch).Warn("config watcher error")
			}
		}
	}()
	return nil
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		log.WithError(err).Errorf("config reload failed, keeping previous configuration")
		return
	}
	log.Infof("config reloaded from %s", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

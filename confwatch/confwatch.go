// Package confwatch watches the configuration file on disk and hot-reloads
// the static rule list into a running rule loader when it changes, using
// fsnotify plus a periodic stat fallback.
package confwatch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dohfwd/config"
)

// staticReloader is the subset of *ruleloader.Loader this package depends
// on, kept narrow so it can be faked out in tests.
type staticReloader interface {
	ReloadStatic(staticRules []config.StaticRule) error
}

// Watcher reloads static_rules from a config file into a Loader whenever
// the file on disk changes, without restarting the process. Only
// static_rules are live-reloaded this way: listener addresses, upstream
// groups and cache sizing still require a restart.
type Watcher struct {
	path    string
	loader  staticReloader
	version string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu          sync.Mutex
	lastModTime time.Time
}

// New builds a Watcher for path, reloading l.ReloadStatic whenever path is
// written. version is passed through to config.Load for re-validation.
func New(path, version string, l staticReloader) (*Watcher, error) {
	w := &Watcher{
		path:    path,
		loader:  l,
		version: version,
		stopCh:  make(chan struct{}),
	}

	if info, err := os.Stat(path); err == nil {
		w.lastModTime = info.ModTime()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.watcher = fw

	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	go w.watch()
	return w, nil
}

func (w *Watcher) watch() {
	defer w.watcher.Close()

	// Belt-and-suspenders periodic check: some editors replace a file via
	// rename-into-place, which certain filesystems/watchers can miss.
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) == filepath.Base(w.path) {
				w.checkAndReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("config watcher error", "error", err)
		case <-ticker.C:
			w.checkAndReload()
		}
	}
}

func (w *Watcher) checkAndReload() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}

	w.mu.Lock()
	changed := info.ModTime().After(w.lastModTime)
	w.mu.Unlock()
	if !changed {
		return
	}

	cfg, err := config.Load(w.path, w.version)
	if err != nil {
		zlog.Error("config reload: rejecting invalid config", "path", w.path, "error", err)
		return
	}

	if err := w.loader.ReloadStatic(cfg.StaticRules); err != nil {
		zlog.Error("config reload: failed to rebuild rule snapshot", "error", err)
		return
	}

	w.mu.Lock()
	w.lastModTime = info.ModTime()
	w.mu.Unlock()

	zlog.Info("config reloaded, static rules rebuilt", "path", w.path)
}

// Stop halts the watcher goroutine.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

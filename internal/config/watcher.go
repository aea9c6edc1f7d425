package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sproutlab/sprout/internal/logging"
)

// reloadDebounce collapses editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// RegistryWatcher reloads the device registry when its file changes on
// disk.
type RegistryWatcher struct {
	path     string
	onReload func(*Registry)
	logger   logging.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// WatchRegistry starts watching path and invokes onReload with each
// successfully parsed new version. Parse failures keep the previous
// registry and are logged.
func WatchRegistry(path string, onReload func(*Registry), logger logging.Logger) (*RegistryWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and config tools typically replace the
	// file, which retires a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &RegistryWatcher{
		path:     path,
		onReload: onReload,
		logger:   logging.OrDiscard(logger).Component("registry-watch"),
		watcher:  fsw,
		stopCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *RegistryWatcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *RegistryWatcher) run() {
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			debounceC = debounce.C
		case <-debounceC:
			debounceC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warnf("watch error")
		}
	}
}

func (w *RegistryWatcher) reload() {
	reg, err := LoadRegistry(w.path)
	if err != nil {
		w.logger.WithError(err).Errorf("registry reload failed, keeping previous version")
		return
	}
	w.logger.Infof("registry reloaded: %d devices, %d connections", len(reg.Devices), len(reg.Connections))
	w.onReload(reg)
}

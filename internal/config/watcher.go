package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the YAML config file for changes using fsnotify and
// fires a callback when it is written or created. The running proxy
// uses this to hot-reload the cache section without a restart; the
// other sections (port, upstream, store path) stay fixed for the
// lifetime of the process.
//
// The watcher runs a background goroutine that processes fsnotify
// events. Call Close() to stop it and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher for the config file at path.
// The parent directory is watched rather than the file itself, so the
// common editor save dance (write temp, rename over) still produces
// events for the file.
//
// Events are debounced naturally by fsnotify; rapid successive writes
// typically produce a single event.
func NewWatcher(path string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(filepath.Base(path), onChange)

	slog.Info("config watcher started", "path", path)
	return w, nil
}

// processEvents reads fsnotify events and fires the callback for write
// and create events on the watched file. Runs until Close() is called.
func (w *Watcher) processEvents(filename string, onChange func()) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write and create matter. Remove or rename means the
			// file is gone and the running config stays in effect.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != filename {
				continue
			}

			slog.Info("config file changed, triggering reload", "file", filename)
			if onChange != nil {
				onChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		// Already closed.
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}

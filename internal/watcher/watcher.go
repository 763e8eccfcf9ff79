// Package watcher reloads configuration files when they change on disk.
package watcher

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// ChangeCallback is called with the path of a file whose contents changed.
type ChangeCallback func(path string)

// Watcher monitors individual files for content changes.
//
// The parent directory is watched rather than the file itself, so editors
// that save by rename and files that do not exist yet are both handled.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*fileWatcher // absolute path → watcher
	debounce time.Duration
	callback ChangeCallback
	logger   *zap.Logger
}

type fileWatcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu   sync.Mutex
	last []byte
}

// New creates a new file watcher.
func New(callback ChangeCallback, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watchers: make(map[string]*fileWatcher),
		debounce: debounceInterval,
		callback: callback,
		logger:   logger.Named("watcher"),
	}
}

// Watch starts watching path. Watching the same path twice is a no-op.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watchers[abs]; ok {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return err
	}

	fw := &fileWatcher{
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		last:      readFile(abs),
	}
	w.watchers[abs] = fw

	go w.watchLoop(fw)

	w.logger.Debug("watching file", zap.String("path", abs))
	return nil
}

// Unwatch stops watching path.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	fw, ok := w.watchers[abs]
	if ok {
		delete(w.watchers, abs)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.reload(fw)
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.String("path", fw.path), zap.Error(err))
		}
	}
}

// reload re-reads the file and notifies if its contents changed.
func (w *Watcher) reload(fw *fileWatcher) {
	select {
	case <-fw.cancel:
		return
	default:
	}

	data := readFile(fw.path)

	fw.mu.Lock()
	changed := !bytes.Equal(data, fw.last)
	fw.last = data
	fw.mu.Unlock()

	if !changed {
		return
	}
	w.logger.Info("file changed", zap.String("path", fw.path))
	if w.callback != nil {
		w.callback(fw.path)
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watchers))
	for p := range w.watchers {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.Unwatch(p)
	}
}

// readFile returns nil for a missing or unreadable file.
func readFile(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}

package server

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay folds the burst of events editors emit for one save.
const debounceDelay = 100 * time.Millisecond

// Watcher watches a local state file and triggers reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onReload func(filePath string) error
	done     chan struct{}
	stopOnce sync.Once
	debug    bool

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the file at path. The directory is
// watched rather than the file so that editors replacing the file by
// rename are still seen.
func NewWatcher(path string, onReload func(string) error, debug bool) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	if debug {
		log.Printf("[Watch] Added directory: %s", filepath.Dir(abs))
	}

	return &Watcher{
		watcher:  fsWatcher,
		path:     abs,
		onReload: onReload,
		done:     make(chan struct{}),
		debug:    debug,
	}, nil
}

// Start begins watching for file changes.
func (w *Watcher) Start() {
	go func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					if w.debug {
						log.Printf("[Watch] File changed: %s", w.path)
					}
					w.schedule()
				}

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Watch] Error: %v", err)

			case <-w.done:
				return
			}
		}
	}()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, func() {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.onReload(w.path); err != nil {
			log.Printf("[Watch] Reload failed for %s: %v", w.path, err)
		}
	})
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

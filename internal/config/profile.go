package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// Profile is the tutoring configuration served by the gateway's config
// endpoint. Editing the profile file takes effect without a restart.
type Profile struct {
	Topic   string `json:"topic"`
	Subject string `json:"subject"`
	Style   string `json:"style"`
}

// UpdateCallback is called when the profile file changes.
type UpdateCallback func(Profile)

// ProfileWatcher serves the current tutoring profile and hot-reloads it from
// disk when the file changes.
type ProfileWatcher struct {
	mu       sync.RWMutex
	current  Profile
	path     string
	callback UpdateCallback

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	closeOnce sync.Once
}

// NewProfileWatcher creates a watcher seeded with defaults. If path is empty
// the watcher is static: Current always returns the defaults and no file
// watching starts.
func NewProfileWatcher(defaults Profile, path string, callback UpdateCallback) (*ProfileWatcher, error) {
	w := &ProfileWatcher{
		current:  defaults,
		path:     path,
		callback: callback,
		cancel:   make(chan struct{}),
	}

	if path == "" {
		return w, nil
	}

	if p, err := loadProfileFile(path, defaults); err == nil {
		w.current = p
	} else {
		log.Printf("profile file %s not readable, using defaults: %v", path, err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.fsWatcher = fsW

	// Watch the directory rather than the file: editors replace files on
	// save, which would drop a file-level watch.
	if err := fsW.Add(filepath.Dir(path)); err != nil {
		fsW.Close()
		return nil, err
	}

	go w.watchLoop()
	return w, nil
}

// Current returns the profile in effect.
func (w *ProfileWatcher) Current() Profile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// watchLoop processes fsnotify events with debouncing.
func (w *ProfileWatcher) watchLoop() {
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("profile watcher error: %v", err)
		}
	}
}

// reload re-reads the profile file and notifies if it changed.
func (w *ProfileWatcher) reload() {
	w.mu.RLock()
	prev := w.current
	w.mu.RUnlock()

	p, err := loadProfileFile(w.path, prev)
	if err != nil {
		log.Printf("profile reload failed, keeping previous: %v", err)
		return
	}
	if p == prev {
		return
	}

	w.mu.Lock()
	w.current = p
	w.mu.Unlock()

	if w.callback != nil {
		w.callback(p)
	}
}

// Close stops the watcher.
func (w *ProfileWatcher) Close() {
	w.closeOnce.Do(func() {
		close(w.cancel)
		if w.fsWatcher != nil {
			w.fsWatcher.Close()
		}
	})
}

// loadProfileFile reads a profile JSON file; missing fields keep the values
// from fallback.
func loadProfileFile(path string, fallback Profile) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}

	p := fallback
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

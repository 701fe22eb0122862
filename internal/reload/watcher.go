package reload

import (
	"os"
	"sync"
	"time"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher tracks the configuration file and detects modifications. A removed
// file also counts as a change so a broken deploy is noticed.
type Watcher struct {
	mu    sync.Mutex
	path  string
	state *fileState
}

// NewWatcher builds a watcher with the current on-disk state of path.
func NewWatcher(path string) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(path); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update resets the tracked snapshot to the current on-disk state.
func (w *Watcher) Update(path string) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.path = path
	w.state = nil
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	w.state = &fileState{modTime: info.ModTime(), size: info.Size()}
	return nil
}

// Check reports whether the file changed since the last snapshot.
func (w *Watcher) Check() (bool, error) {
	if w == nil {
		return false, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == nil {
		return false, nil
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return true, nil
	}
	if info.IsDir() {
		return false, nil
	}
	if !info.ModTime().Equal(w.state.modTime) || info.Size() != w.state.size {
		return true, nil
	}
	return false, nil
}

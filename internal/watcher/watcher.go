// Package watcher tracks shelf items on disk.
//
// A shelf holds descriptors for files that were dragged onto it; the
// files themselves keep living their lives in the filesystem. The
// watcher observes the parent directories of tracked items and emits
// an update when an item is deleted, recreated or rewritten, so the
// shelf surface can mark stale entries instead of handing out dead
// paths.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long an item must stay quiet after a
// filesystem event before its state is re-read and reported.
const DefaultDebounce = 500 * time.Millisecond

// Update reports the on-disk state of one tracked item after it
// changed.
type Update struct {
	Path   string    `json:"path"`
	Exists bool      `json:"exists"`
	Size   int64     `json:"size_bytes"`
	At     time.Time `json:"at"`
}

// itemState is the last reported state of a tracked item.
type itemState struct {
	exists  bool
	size    int64
	modTime time.Time
}

// Watcher monitors tracked shelf items via their parent directories.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration

	mu      sync.Mutex
	state   map[string]itemState // tracked item -> last reported state
	pending map[string]time.Time // item -> last filesystem event
	dirRefs map[string]int       // watched dir -> tracked item count

	events chan Update
	errors chan error

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates a watcher. A non-positive debounce falls back to
// DefaultDebounce.
func New(debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		debounce:  debounce,
		state:     make(map[string]itemState),
		pending:   make(map[string]time.Time),
		dirRefs:   make(map[string]int),
		events:    make(chan Update, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of item updates.
func (w *Watcher) Events() <-chan Update {
	return w.events
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start launches the event and debounce loops.
func (w *Watcher) Start() error {
	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Track starts watching one shelf item. The item itself may be gone
// already; its parent directory must exist.
func (w *Watcher) Track(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(absPath)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.state[absPath]; ok {
		return nil
	}

	if w.dirRefs[dir] == 0 {
		if err := w.fsWatcher.Add(dir); err != nil {
			return err
		}
	}
	w.dirRefs[dir]++
	w.state[absPath] = statItem(absPath)

	return nil
}

// Untrack stops watching an item. The parent directory watch is
// dropped once no tracked item lives there.
func (w *Watcher) Untrack(path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}

	dir := filepath.Dir(absPath)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.state[absPath]; !ok {
		return
	}

	delete(w.state, absPath)
	delete(w.pending, absPath)

	w.dirRefs[dir]--
	if w.dirRefs[dir] <= 0 {
		delete(w.dirRefs, dir)
		w.fsWatcher.Remove(dir)
	}
}

// TrackedFiles returns the current number of tracked items.
func (w *Watcher) TrackedFiles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.state)
}

// Close stops the loops, waits for them to exit and closes the
// channels. Safe to call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		close(w.events)
		close(w.errors)
		w.closeErr = w.fsWatcher.Close()
	})
	return w.closeErr
}

// eventLoop marks tracked items dirty as filesystem events arrive.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			now := time.Now()

			w.mu.Lock()
			if _, tracked := w.state[event.Name]; tracked {
				w.pending[event.Name] = now
			} else if w.dirRefs[event.Name] > 0 {
				// The watched directory itself moved or vanished;
				// every item under it needs a re-check.
				for path := range w.state {
					if filepath.Dir(path) == event.Name {
						w.pending[path] = now
					}
				}
			}
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// debounceLoop re-stats quiet items and emits updates for real
// changes.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			w.flushPending(now)
		}
	}
}

// flushPending emits updates for items that have been quiet for the
// debounce interval. Items whose state did not actually change are
// dropped silently.
func (w *Watcher) flushPending(now time.Time) {
	threshold := now.Add(-w.debounce)

	// Collect quiet items, then stat without the lock.
	var quiet []string
	w.mu.Lock()
	for path, lastEvent := range w.pending {
		if lastEvent.Before(threshold) {
			quiet = append(quiet, path)
		}
	}
	w.mu.Unlock()

	if len(quiet) == 0 {
		return
	}

	fresh := make(map[string]itemState, len(quiet))
	for _, path := range quiet {
		fresh[path] = statItem(path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range quiet {
		prev, tracked := w.state[path]
		if !tracked {
			// Untracked while statting
			delete(w.pending, path)
			continue
		}

		// Another event landed during the stat; let it settle again.
		if lastEvent, ok := w.pending[path]; ok && !lastEvent.Before(threshold) {
			continue
		}

		cur := fresh[path]
		if cur == prev {
			delete(w.pending, path)
			continue
		}

		update := Update{
			Path:   path,
			Exists: cur.exists,
			Size:   cur.size,
			At:     now,
		}

		select {
		case w.events <- update:
			w.state[path] = cur
			delete(w.pending, path)
		default:
			// Channel full, retry next tick
		}
	}
}

// statItem reads the current on-disk state of an item.
func statItem(path string) itemState {
	info, err := os.Stat(path)
	if err != nil {
		return itemState{}
	}
	return itemState{
		exists:  true,
		size:    info.Size(),
		modTime: info.ModTime(),
	}
}

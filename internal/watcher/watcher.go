// Package watcher monitors annotation directories and signals when their
// records have settled after an edit.
package watcher

import (
	"crypto/sha256"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Trigger reports annotation files whose content changed and has been
// stable for the debounce interval.
type Trigger struct {
	Paths     []string
	Timestamp time.Time
}

// Watcher monitors directories for changes to *.json records.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	paths     []string
	interval  time.Duration

	// pending: path -> time of the last event seen for it
	// known: path -> content hash as of the last trigger
	pending map[string]time.Time
	known   map[string][32]byte
	stateMu sync.Mutex

	triggers chan Trigger
	errors   chan error

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a watcher over the given directories. A change fires once no
// further event has touched the file for debounce.
func New(paths []string, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		paths:     paths,
		interval:  debounce,
		pending:   make(map[string]time.Time),
		known:     make(map[string][32]byte),
		triggers:  make(chan Trigger, 16),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}
	return w, nil
}

// Triggers returns the channel of settled changes.
func (w *Watcher) Triggers() <-chan Trigger {
	return w.triggers
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching all configured directories. Records already present
// are taken as the baseline and do not fire.
func (w *Watcher) Start() error {
	for i, path := range w.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return &fs.PathError{Op: "watch", Path: absPath, Err: errors.New("not a directory")}
		}
		if err := w.fsWatcher.Add(absPath); err != nil {
			return err
		}
		w.paths[i] = absPath

		entries, err := os.ReadDir(absPath)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !IsRecord(entry.Name()) {
				continue
			}
			filePath := filepath.Join(absPath, entry.Name())
			if hash, _, err := HashFile(filePath); err == nil {
				w.known[filePath] = hash
			}
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		close(w.triggers)
		close(w.errors)
		err = w.fsWatcher.Close()
	})
	return err
}

// IsRecord reports whether name looks like an annotation record.
func IsRecord(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".json")
}

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !IsRecord(event.Name) {
				continue
			}

			w.stateMu.Lock()
			w.pending[event.Name] = time.Now()
			w.stateMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.interval / 2
	if tick > time.Second {
		tick = time.Second
	}
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
			w.checkStableFiles(now)
		}
	}
}

type stableFile struct {
	path    string
	lastMod time.Time
}

// checkStableFiles fires one trigger for every settled file whose content
// differs from the last trigger. File I/O runs without the state lock.
func (w *Watcher) checkStableFiles(now time.Time) {
	threshold := now.Add(-w.interval)

	var stable []stableFile
	w.stateMu.Lock()
	for path, lastMod := range w.pending {
		if lastMod.Before(threshold) {
			stable = append(stable, stableFile{path: path, lastMod: lastMod})
		}
	}
	w.stateMu.Unlock()

	if len(stable) == 0 {
		return
	}

	type hashResult struct {
		path    string
		lastMod time.Time
		hash    [32]byte
		gone    bool
		err     error
	}
	results := make([]hashResult, len(stable))
	for i, sf := range stable {
		hash, _, err := HashFile(sf.path)
		r := hashResult{path: sf.path, lastMod: sf.lastMod, hash: hash}
		if errors.Is(err, fs.ErrNotExist) {
			r.gone = true
		} else {
			r.err = err
		}
		results[i] = r
	}

	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	var changed []string
	settled := make([]hashResult, 0, len(results))
	for _, r := range results {
		if current, ok := w.pending[r.path]; !ok || !current.Equal(r.lastMod) {
			// Touched again while hashing; let it settle.
			continue
		}
		if r.err != nil {
			delete(w.pending, r.path)
			w.reportError(r.err)
			continue
		}

		prev, known := w.known[r.path]
		switch {
		case r.gone && !known:
			delete(w.pending, r.path)
			continue
		case !r.gone && known && prev == r.hash:
			delete(w.pending, r.path)
			continue
		}
		changed = append(changed, r.path)
		settled = append(settled, r)
	}

	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)

	select {
	case w.triggers <- Trigger{Paths: changed, Timestamp: now}:
		for _, r := range settled {
			delete(w.pending, r.path)
			if r.gone {
				delete(w.known, r.path)
			} else {
				w.known[r.path] = r.hash
			}
		}
	default:
		// Trigger channel full; retry on the next tick.
	}
}

func (w *Watcher) reportError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// HashFile computes the SHA-256 hash of a file using streaming.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}

// PendingFiles returns the number of files waiting to settle.
func (w *Watcher) PendingFiles() int {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return len(w.pending)
}

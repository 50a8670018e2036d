package device

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Action is what happened to a device.
type Action string

const (
	Added   Action = "added"
	Removed Action = "removed"
)

// Event reports a device appearing or disappearing.
type Event struct {
	Action     Action    `json:"action"`
	DeviceID   string    `json:"device_id"`
	Mountpoint string    `json:"mountpoint"`
	Timestamp  time.Time `json:"timestamp"`
}

type pendingChange struct {
	action Action
	at     time.Time
}

// Watcher uses fsnotify to watch mount roots for volumes being
// mounted or unmounted and reports them with debouncing, so a
// volume that flickers during automount yields one event.
type Watcher struct {
	onEvents func([]Event)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	pending  map[string]pendingChange
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWatcher creates a watcher that calls onEvents once a
// change has been stable for the debounce period.
func NewWatcher(
	debounce time.Duration, onEvents func([]Event),
) (*Watcher, error) {
	if onEvents == nil {
		return nil, fmt.Errorf("onEvents callback is nil: %w", os.ErrInvalid)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		onEvents: onEvents,
		watcher:  fsw,
		debounce: debounce,
		pending:  make(map[string]pendingChange),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

// WatchRoots adds each existing mount root to the watch list
// and returns how many were watched. Missing roots are skipped.
func (w *Watcher) WatchRoots(roots []string) int {
	watched := 0
	for _, root := range roots {
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			continue
		}
		if err := w.watcher.Add(root); err != nil {
			log.Printf("watcher: cannot watch %s: %v", root, err)
			continue
		}
		watched++
	}
	return watched
}

// Start begins processing file events in a goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop stops the watcher and waits for it to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error: %v", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent records a pending mount or unmount. Only direct
// children of a watched root are volumes; the last operation on
// a path within the debounce window wins.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	var action Action
	switch {
	case event.Op&fsnotify.Create != 0:
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		action = Added
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		action = Removed
	default:
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = pendingChange{action: action, at: w.now()}
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}

	now := w.now()
	var ready []Event
	for path, p := range w.pending {
		if now.Sub(p.at) >= w.debounce {
			ready = append(ready, Event{
				Action:     p.action,
				DeviceID:   DeriveID(path),
				Mountpoint: filepath.Clean(path),
				Timestamp:  p.at,
			})
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].Timestamp.Before(ready[j].Timestamp)
	})
	log.Printf("watcher: %d device change(s)", len(ready))
	w.onEvents(ready)
}

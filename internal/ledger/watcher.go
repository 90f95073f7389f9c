package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	defaultDebounce     = 100 * time.Millisecond
	defaultPollInterval = 5 * time.Second
)

// Watcher invokes a callback whenever the ledger file changes. It watches the
// parent directory so atomic replace-by-rename is seen, and falls back to
// polling the modification time when the directory cannot be watched.
type Watcher struct {
	path     string
	onChange func()
	clock    clockwork.Clock

	debounce     time.Duration
	pollInterval time.Duration

	mu          sync.Mutex
	lastModTime time.Time
	pending     clockwork.Timer
}

// NewWatcher creates a watcher for path. A nil clock uses the real clock.
func NewWatcher(path string, clock clockwork.Clock, onChange func()) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	w := &Watcher{
		path:         filepath.Clean(path),
		onChange:     onChange,
		clock:        clock,
		debounce:     defaultDebounce,
		pollInterval: defaultPollInterval,
	}
	if stat, err := os.Stat(w.path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to create ledger directory")
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := fsw.Add(dir); addErr != nil {
			_ = fsw.Close()
			err = addErr
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Falling back to polling for ledger changes")
		w.poll(ctx)
		return nil
	}
	defer fsw.Close()

	log.Info().Str("ledger_path", w.path).Msg("Started watching purchase ledger for changes")
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				log.Debug().Str("event", event.Op.String()).Msg("Detected ledger change")
				w.schedule()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Ledger watcher error")

		case <-ctx.Done():
			w.stopPending()
			return nil
		}
	}
}

// schedule coalesces bursts of events into one callback after the debounce delay.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = w.clock.AfterFunc(w.debounce, w.onChange)
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := w.clock.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			w.checkModTime()
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) checkModTime() {
	stat, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	changed := stat.ModTime().After(w.lastModTime)
	if changed {
		w.lastModTime = stat.ModTime()
	}
	w.mu.Unlock()
	if changed {
		log.Info().Msg("Detected ledger change via polling")
		w.onChange()
	}
}

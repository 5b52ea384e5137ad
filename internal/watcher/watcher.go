// Package watcher triggers a handler for source files that appear in the
// upload directory.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"dhis2submit/internal/services/extract"
)

const defaultDebounce = 2 * time.Second

// Handler receives the path of a settled source file
type Handler func(ctx context.Context, path string)

// Config configures the upload watcher
type Config struct {
	// Dir is the directory to watch, not recursive
	Dir string

	// Debounce is how long a file must stay quiet before it is handled
	Debounce time.Duration

	Logger *slog.Logger
}

// Watcher watches a directory for created or rewritten source files
type Watcher struct {
	config  Config
	handler Handler
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// Debouncing: path -> time of the most recent event
	pendingMu sync.Mutex
	pending   map[string]time.Time

	done chan struct{}
}

// New creates a watcher. Start must be called to begin watching.
func New(config Config, handler Handler) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("watcher handler is required")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Debounce <= 0 {
		config.Debounce = defaultDebounce
	}

	return &Watcher{
		config:  config,
		handler: handler,
		watcher: fsw,
		logger:  logger,
		pending: make(map[string]time.Time),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. Events are processed until ctx is done or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.config.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create watch directory: %w", err)
	}
	if err := w.watcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.config.Dir, err)
	}

	go w.processEvents(ctx)

	w.logger.Info("Upload watcher started", "dir", w.config.Dir, "debounce", w.config.Debounce)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

// processEvents handles fsnotify events with debouncing
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(tickInterval(w.config.Debounce))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case now := <-ticker.C:
			w.flushPending(ctx, now)
		}
	}
}

// handleFSEvent records a create or write of a supported file
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !Eligible(event.Name) {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = time.Now()
	w.pendingMu.Unlock()

	w.logger.Debug("Upload change detected", "path", event.Name, "op", event.Op.String())
}

// flushPending hands every file quiet for the debounce period to the
// handler, one at a time in the watcher goroutine, oldest event first
func (w *Watcher) flushPending(ctx context.Context, now time.Time) {
	type settled struct {
		path string
		last time.Time
	}
	var ready []settled

	w.pendingMu.Lock()
	for path, last := range w.pending {
		if now.Sub(last) >= w.config.Debounce {
			ready = append(ready, settled{path: path, last: last})
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].last.Equal(ready[j].last) {
			return ready[i].last.Before(ready[j].last)
		}
		return ready[i].path < ready[j].path
	})

	for _, f := range ready {
		if _, err := os.Stat(f.path); err != nil {
			w.logger.Debug("Skipping vanished upload", "path", f.path)
			continue
		}
		w.logger.Info("Upload settled", "path", f.path)
		w.handler(ctx, f.path)
	}
}

// Eligible reports whether path names a visible supported source file
func Eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return false
	}
	return extract.SupportedFile(base)
}

func tickInterval(debounce time.Duration) time.Duration {
	interval := debounce / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

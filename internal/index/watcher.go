package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a repository for file changes and enqueues re-index jobs.
// Changes are debounced so a burst of writes becomes one job.
type Watcher struct {
	service  *Service
	repoPath string
	exclude  []string
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	pendingMu  sync.Mutex
	lastChange time.Time
	hasPending bool
}

// NewWatcher creates a file watcher that feeds the indexing service.
func NewWatcher(service *Service, repoPath string, exclude []string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		service:  service,
		repoPath: repoPath,
		exclude:  exclude,
		debounce: debounce,
		logger:   logger,
		watcher:  fsw,
	}, nil
}

// Watch starts watching for file changes. It blocks until the context is
// cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := w.addWatchDirs(); err != nil {
		return err
	}

	w.logger.Info("watching for file changes", "repo", w.repoPath)

	go w.processDebounced(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping watcher", "repo", w.repoPath)
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// addWatchDirs recursively adds directories to watch.
func (w *Watcher) addWatchDirs() error {
	return filepath.WalkDir(w.repoPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		relPath, _ := filepath.Rel(w.repoPath, path)
		relPath = filepath.ToSlash(relPath)
		if relPath != "." {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			for _, pattern := range w.exclude {
				if matchGlob(pattern, relPath+"/") {
					return filepath.SkipDir
				}
			}
		}

		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// handleEvent records a relevant file system event for the debouncer.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	relPath, err := filepath.Rel(w.repoPath, event.Name)
	if err != nil {
		return
	}
	relPath = filepath.ToSlash(relPath)
	if strings.HasPrefix(filepath.Base(relPath), ".") {
		return
	}
	for _, pattern := range w.exclude {
		if matchGlob(pattern, relPath) {
			return
		}
	}

	// New directories need to be added to the watch set.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	w.pendingMu.Lock()
	w.lastChange = time.Now()
	w.hasPending = true
	w.pendingMu.Unlock()

	w.logger.Debug("file changed", "path", relPath, "op", event.Op.String())
}

// processDebounced enqueues a re-index once changes have settled.
func (w *Watcher) processDebounced(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pendingMu.Lock()
			fire := w.hasPending && time.Since(w.lastChange) >= w.debounce
			if fire {
				w.hasPending = false
			}
			w.pendingMu.Unlock()

			if fire {
				if _, err := w.service.Enqueue(w.repoPath, false); err != nil {
					w.logger.Warn("failed to enqueue re-index", "repo", w.repoPath, "error", err)
				}
			}
		}
	}
}

// SPDX-License-Identifier: MPL-2.0

package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

type (
	// Watcher observes the changenumber file that an external catalog
	// watcher keeps up to date. Whenever the recorded change number grows,
	// the cache is invalidated immediately, regardless of TTL.
	//
	// The parent directory is watched rather than the file itself so
	// writers that replace the file via rename are still observed.
	Watcher struct {
		path     string
		cache    *Cache
		logger   *log.Logger
		last     uint64
		onChange func(changeNumber uint64)
	}

	// WatcherOption configures a Watcher during construction.
	WatcherOption func(*Watcher)
)

// WithInitialChangeNumber seeds the last observed change number, typically
// from the persisted state file, so a stale signal left on disk does not
// trigger a spurious invalidation at startup.
func WithInitialChangeNumber(n uint64) WatcherOption {
	return func(w *Watcher) { w.last = n }
}

// WithChangeCallback registers a hook invoked after each invalidation,
// typically to persist the new change number.
func WithChangeCallback(fn func(changeNumber uint64)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// WithWatcherLogger sets the structured logger for watch diagnostics.
func WithWatcherLogger(l *log.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a Watcher over the changenumber file at path, pushing
// invalidations into cache.
func NewWatcher(path string, cache *Cache, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:   path,
		cache:  cache,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is canceled. A change number that does not parse or
// does not grow is ignored; parse failures are logged, not fatal, since the
// external writer may be mid-write.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating changenumber watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	// Catch up on a signal written while nothing was watching.
	w.check()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.check()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("changenumber watch error", "err", err)
		}
	}
}

// check re-reads the changenumber file and invalidates the cache when the
// number grew.
func (w *Watcher) check() {
	n, err := readChangeNumber(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("reading changenumber file", "path", w.path, "err", err)
		}
		return
	}
	if n <= w.last {
		return
	}

	w.logger.Info("catalog changed, invalidating cache", "changenumber", n)
	w.last = n
	w.cache.Invalidate()
	if w.onChange != nil {
		w.onChange(n)
	}
}

// readChangeNumber parses the decimal change number the external watcher
// writes.
func readChangeNumber(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing changenumber: %w", err)
	}
	return n, nil
}

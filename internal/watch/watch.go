// Package watch runs a pipeline for every DEM that lands under a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one settled file. A handler error is logged and the
// watcher keeps going.
type Handler func(ctx context.Context, path string) error

// Watcher feeds files matching Pattern to Handle once they stop changing for
// Settle. Files are handled one at a time, in arrival order, at most once per
// Watcher.
type Watcher struct {
	Dir     string
	Pattern string
	Settle  time.Duration
	Logger  *zap.Logger
	Handle  Handler
	// Existing also handles the matching files already present at start,
	// before any new arrival.
	Existing bool

	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]bool
}

func (w *Watcher) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

// Match reports whether the base name of path matches the watcher pattern.
func (w *Watcher) Match(path string) bool {
	ok, err := doublestar.Match(w.Pattern, filepath.Base(path))
	return err == nil && ok
}

// Run watches Dir and its subdirectories until ctx is done. It returns nil on
// cancellation and an error when the watch could not be set up or the
// notifier failed.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Handle == nil {
		return errors.New("watch: no handler")
	}
	if !doublestar.ValidatePattern(w.Pattern) {
		return fmt.Errorf("watch: invalid pattern %q", w.Pattern)
	}
	info, err := os.Stat(w.Dir)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch: %s is not a directory", w.Dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fw.Close()

	w.mu.Lock()
	w.pending = map[string]*time.Timer{}
	if w.seen == nil {
		w.seen = map[string]bool{}
	}
	w.mu.Unlock()

	if err := w.addRecursive(fw, w.Dir); err != nil {
		return err
	}
	var backlog []string
	if w.Existing {
		if backlog, err = w.List(); err != nil {
			return fmt.Errorf("watch: %w", err)
		}
	}
	w.logger().Info("watching", zap.String("dir", w.Dir), zap.String("pattern", w.Pattern), zap.Int("backlog", len(backlog)))

	ready := make(chan string, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer w.stopTimers()
		return w.events(gctx, fw, ready)
	})
	g.Go(func() error {
		w.work(gctx, backlog, ready)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// events turns notifier events into settled paths on ready.
func (w *Watcher) events(ctx context.Context, fw *fsnotify.Watcher, ready chan<- string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("watch: notifier closed")
			}
			if hidden(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(fw, ev.Name); err != nil {
						w.logger().Warn("watch directory", zap.String("dir", ev.Name), zap.Error(err))
					}
					// A directory moved in, or written to before its watch
					// was added, already holds files no event reports.
					present, err := w.list(ev.Name)
					if err != nil {
						w.logger().Warn("list directory", zap.String("dir", ev.Name), zap.Error(err))
					}
					for _, path := range present {
						w.schedule(ctx, path, ready)
					}
					continue
				}
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if w.Match(ev.Name) {
				w.schedule(ctx, ev.Name, ready)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watch: notifier closed")
			}
			w.logger().Warn("notifier error", zap.Error(err))
		}
	}
}

// schedule (re)starts the settle timer for path.
func (w *Watcher) schedule(ctx context.Context, path string, ready chan<- string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[path] {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
}

func (w *Watcher) work(ctx context.Context, backlog []string, ready <-chan string) {
	for _, path := range backlog {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, path)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-ready:
			w.process(ctx, path)
		}
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	w.mu.Lock()
	dup := w.seen[path]
	w.seen[path] = true
	w.mu.Unlock()
	if dup {
		return
	}
	log := w.logger().With(zap.String("path", path))
	log.Info("processing")
	start := time.Now()
	if err := w.Handle(ctx, path); err != nil {
		log.Error("processing failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	log.Info("processed", zap.Duration("elapsed", time.Since(start)))
}

// List lists the files already under Dir that match Pattern, sorted.
func (w *Watcher) List() ([]string, error) {
	return w.list(w.Dir)
}

func (w *Watcher) list(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && hidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && w.Match(path) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.Dir && hidden(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fixtureDebounce = 250 * time.Millisecond

// WatchFixtures calls apply with freshly loaded fixtures whenever the file
// at path changes. Editors often write in several steps, so reloads are
// debounced. It blocks until ctx is cancelled.
func WatchFixtures(ctx context.Context, path string, apply func(context.Context, *Fixtures)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fixtures watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Watch the directory so atomic renames are seen.
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		fx, err := LoadFixtures(target)
		if err != nil {
			slog.Warn("fixtures reload failed, keeping previous data", "path", target, "error", err)
			return
		}
		apply(ctx, fx)
		slog.Info("fixtures reloaded", "path", target, "users", len(fx.Users), "templates", len(fx.Templates))
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(fixtureDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("fixtures watcher error", "error", err)
		}
	}
}

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save or an
// atomic rename produces into one callback.
const DefaultDebounce = 250 * time.Millisecond

// Watch calls onChange after the catalog file at path is written,
// created, or replaced, until ctx ends. The parent directory is
// watched so rename-over saves (including Catalog.Save) are seen.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func()) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve catalog path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer func() { _ = w.Close() }()

		timer := time.NewTimer(debounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				logger.Debug("MCP catalog file event", "op", ev.Op.String())
				timer.Reset(debounce)
			case <-timer.C:
				logger.Info("MCP catalog changed on disk", "path", abs)
				onChange()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("MCP catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}

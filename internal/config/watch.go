package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config when its file changes and calls onReload
// after each successful reload. Editors write via rename, so the parent
// directory is watched rather than the file itself. Events are debounced
// because saves often arrive as a burst of writes.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		reload := func() {
			next, err := Load(path)
			if err != nil {
				slog.Warn("config.reload_failed", "path", path, "error", err)
				return
			}
			cfg.ReplaceFrom(next)
			slog.Info("config.reloaded", "path", path)
			if onReload != nil {
				onReload(cfg)
			}
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config.watch_error", "error", err)
			}
		}
	}()

	return nil
}

package config

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2/maybe"
)

// Watch reloads path whenever it changes on disk and passes the newly
// resolved config to onReload. It blocks until ctx is canceled. Errors
// reading or resolving the reloaded file are logged and otherwise ignored:
// the previous configuration stays in effect.
func Watch(ctx context.Context, logger *slog.Logger, path string, onReload func(*Resolved)) (err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err = watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			logger.InfoContext(ctx, "config file changed, reloading", "path", path)

			f, loadErr := Load(path)
			if loadErr != nil {
				logger.ErrorContext(ctx, "reloading config", "err", loadErr)

				continue
			}

			r, resolveErr := f.Resolve()
			if resolveErr != nil {
				logger.ErrorContext(ctx, "validating reloaded config", "err", resolveErr)

				continue
			}

			onReload(r)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.ErrorContext(ctx, "watching config file", "err", watchErr)
		}
	}
}

// WritePID atomically writes the current process's PID to path. A no-op if
// path is empty.
func WritePID(logger *slog.Logger, path string) {
	if path == "" {
		return
	}

	pid := strconv.Itoa(os.Getpid())

	if err := maybe.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		logger.Error("writing pid file", "path", path, "err", err)
	}
}

// RemovePID removes the PID file written by [WritePID]. A no-op if path is
// empty.
func RemovePID(logger *slog.Logger, path string) {
	if path == "" {
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Error("removing pid file", "path", path, "err", err)
	}
}

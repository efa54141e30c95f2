package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"
)

// settleDelay coalesces the burst of events one save produces.
const settleDelay = 150 * time.Millisecond

// Watch calls onChange with the reloaded Config whenever the content of the
// file at path changes, until ctx is cancelled. The parent directory is
// watched so that editors which save by rename are seen. A rewrite with
// identical bytes is not a change. A file that fails to parse or validate is
// logged and skipped; the caller keeps the config it already holds.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var last [32]byte
	if data, err := os.ReadFile(path); err == nil {
		last = blake3.Sum256(data)
	}
	slog.Info("config: watching for changes", "path", path)

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			settle.Reset(settleDelay)

		case <-settle.C:
			data, err := os.ReadFile(path)
			if err != nil {
				slog.Warn("config: unreadable after change, keeping previous config", "path", path, "err", err)
				continue
			}
			sum := blake3.Sum256(data)
			if sum == last {
				slog.Debug("config: rewritten without changes", "path", path)
				continue
			}
			cfg, err := Parse(data)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
				continue
			}
			last = sum
			slog.Info("config: reloaded", "path", path,
				"mode", cfg.Analysis.Mode,
				"primary", len(cfg.Primary),
				"overrides", len(cfg.Overrides),
				"deprecation_keywords", len(cfg.Scoring.Deprecation))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

package admission

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchPolicy reloads the policy file into ctrl whenever it changes and
// blocks until ctx is done. A file that fails to parse leaves the current
// policy in place.
func WatchPolicy(ctx context.Context, path string, ctrl *Controller, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("policy watcher: add %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	logger = logger.With().Str("component", "policy-watcher").Str("path", target).Logger()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			p, err := LoadPolicy(target)
			if err != nil {
				logger.Error().Err(err).Msg("policy reload failed, keeping previous policy")
				continue
			}
			ctrl.SetPolicy(p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("policy watcher error")
		}
	}
}

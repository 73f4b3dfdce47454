package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDelay coalesces the burst of events editors produce on save.
const reloadDelay = 250 * time.Millisecond

// Watch reloads configPath whenever it changes and hands every successfully
// parsed configuration to onChange. It blocks until ctx is done. The parent
// directory is watched so that files replaced by rename are still seen.
func Watch(ctx context.Context, configPath string, logger *zap.Logger, onChange func(*AppConfig)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("config").With(zap.String("path", configPath))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(configPath)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", configPath, err)
	}

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
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
			if debounce == nil {
				debounce = time.NewTimer(reloadDelay)
			} else {
				debounce.Reset(reloadDelay)
			}
			fire = debounce.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			cfg, err := LoadConfig(configPath)
			if err != nil {
				log.Warn("config reload failed, keeping previous", zap.Error(err))
				continue
			}
			log.Info("config reloaded", zap.Int("interlockChannels", len(cfg.InterlockChannels)))
			onChange(cfg)
		}
	}
}

package prompt

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/haizhouyuan/tmuxagent/internal/logging"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the library whenever a template file changes, until ctx is
// done. Parse errors are logged and the previous templates stay active.
// onReload, if set, is called after every successful reload.
func (l *Library) Watch(ctx context.Context, logger *logging.Logger, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	defer watcher.Close()

	dirs := l.watchPaths()
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	logger.Debug(ctx, "watching prompt templates", zap.Strings("dirs", dirs))

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// editors write in bursts; coalesce them into one reload
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			reload = timer.C
		case <-reload:
			reload = nil
			if err := l.Reload(); err != nil {
				logger.Warn(ctx, "prompt reload failed, keeping previous templates", zap.Error(err))
				continue
			}
			logger.Info(ctx, "prompt templates reloaded", zap.Strings("templates", l.Names()))
			if onReload != nil {
				onReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "prompt watcher error", zap.Error(err))
		}
	}
}

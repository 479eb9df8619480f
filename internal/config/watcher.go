package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/labsweep/internal/monitoring"
)

// DefaultDebounce is how long Watch waits after the last write before
// reloading.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the config at path whenever it changes and hands each valid
// result to onChange. Editors that replace the file by rename are handled by
// watching the parent directory. A file that fails to load is logged and
// skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*LabConfig)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if name, err := filepath.Abs(event.Name); err != nil || name != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			monitoring.Logf("[config] watch %s: %v", target, err)

		case <-fire:
			fire = nil
			cfg, err := LoadLabConfig(target)
			if err != nil {
				monitoring.Logf("[config] reload %s: %v", target, err)
				continue
			}
			monitoring.Logf("[config] reloaded %s", target)
			onChange(cfg)
		}
	}
}

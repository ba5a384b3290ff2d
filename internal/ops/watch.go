package ops

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yanun0323/logs"
)

const defaultDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and hands every valid result to apply. Invalid files
// are logged and skipped, so the last good configuration stays in force. When file
// notifications are unavailable it falls back to polling the modification time every interval.
func Watch(ctx context.Context, path string, interval time.Duration, apply func(Loaded)) error {
	if path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	w, err := fsnotify.NewWatcher()
	if err == nil {
		// editors replace files by rename, so watch the directory
		err = w.Add(filepath.Dir(path))
	}
	if err != nil {
		logs.Warnf("config notifications unavailable, polling every %s, err: %+v", interval, err)
		if w != nil {
			_ = w.Close()
		}
		return poll(ctx, path, interval, apply)
	}
	defer w.Close()

	name := filepath.Clean(path)
	debounce := time.NewTimer(defaultDebounce)
	debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			debounce.Reset(defaultDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logs.Errorf("config watcher, err: %+v", err)
		case <-debounce.C:
			reload(path, apply)
		}
	}
}

func poll(ctx context.Context, path string, interval time.Duration, apply func(Loaded)) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Warnf("config stat failed, err: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			reload(path, apply)
		}
	}
}

func reload(path string, apply func(Loaded)) {
	loaded, err := Load(path)
	if err != nil {
		logs.Errorf("config reload failed, keeping current, err: %+v", err)
		return
	}
	apply(loaded)
	logs.Infof("config reloaded: %s", path)
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// settle absorbs the burst of events editors produce for one save.
const settle = 100 * time.Millisecond

// Watch calls fn each time the file at path is written or replaced, until ctx
// is done. It watches the parent directory so editors that save by rename are
// seen too.
func Watch(ctx context.Context, path string, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.Debug("fsnotify watching dir", "dir", dir)

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				log.Debug("fsnotify event", "file", event.Name, "event", event.Op)
				if timer == nil {
					timer = time.AfterFunc(settle, fn)
				} else {
					timer.Reset(settle)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debug("fsnotify error", "dir", dir, "error", err)
			}
		}
	}()

	return nil
}

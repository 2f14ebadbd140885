/*
Package filewatcher waits for paths on the local filesystem to come into existence.

This is useful after starting a process that will create a file (a door, a socket, a pid file)
at a known location: rather than polling, the caller blocks until the file shows up.

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := filewatcher.Appear(ctx, "/var/run/portunusd.door"); err != nil {
		// Do something
	}
*/
package filewatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/golang/glog"
)

// Appear blocks until something exists at path or ctx is done. The parent directory of path
// must already exist.
func Appear(ctx context.Context, path string) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filewatcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("filewatcher: could not watch %q: %w", dir, err)
	}

	// Checked after the watch is in place, so a file created in between is not missed.
	if exists(path) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("filewatcher: %q did not appear: %w", path, ctx.Err())
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("filewatcher: watcher for %q closed", dir)
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			if exists(path) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("filewatcher: watcher for %q closed", dir)
			}
			log.Errorf("problem with filewatcher: %s", err)
			// Events may have been dropped.
			if exists(path) {
				return nil
			}
		}
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

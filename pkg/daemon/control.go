package daemon

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// controlFiles signals when pin.json or checkpoint.json is rewritten so the
// daemon republishes without waiting for the next tick.
type controlFiles struct {
	w       *fsnotify.Watcher
	names   map[string]bool
	changed chan struct{}
}

// watchControlFiles watches the directories holding paths. It returns nil
// when notifications are unavailable; ticks still pick the files up.
func watchControlFiles(logger *log.Logger, paths ...string) *controlFiles {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("daemon: control file notifications unavailable: %v", err)
		return nil
	}
	c := &controlFiles{w: w, names: make(map[string]bool), changed: make(chan struct{}, 1)}
	dirs := make(map[string]bool)
	for _, p := range paths {
		c.names[filepath.Clean(p)] = true
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			logger.Printf("daemon: watch %s: %v", dir, err)
			_ = w.Close()
			return nil
		}
	}
	return c
}

// run forwards matching events until ctx ends or the watcher closes.
func (c *controlFiles) run(ctx context.Context) {
	if c == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.w.Events:
			if !ok {
				return
			}
			if !c.names[filepath.Clean(ev.Name)] || ev.Op == fsnotify.Chmod {
				continue
			}
			select {
			case c.changed <- struct{}{}:
			default:
			}
		case _, ok := <-c.w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Changed is nil-safe; a nil channel never fires.
func (c *controlFiles) Changed() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.changed
}

func (c *controlFiles) Close() {
	if c != nil {
		_ = c.w.Close()
	}
}

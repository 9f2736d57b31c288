package main

import (
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// fsChangeMsg is sent when the status file is replaced.
type fsChangeMsg struct{}

// statusWatcher reports changes to the status file. The snapshot is written
// by rename, so the parent directory is watched and events are filtered by
// base name.
type statusWatcher struct {
	w    *fsnotify.Watcher
	name string
}

// watchStatusFile creates a watcher for statusPath. Returns nil if the
// directory doesn't exist or watcher creation fails (dashboard falls back to
// polling only).
func watchStatusFile(statusPath string) *statusWatcher {
	dir := filepath.Dir(statusPath)
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		log.Printf("fsnotify: failed to watch %s: %v (falling back to polling)", dir, err)
		return nil
	}
	return &statusWatcher{w: w, name: filepath.Base(statusPath)}
}

// Next returns a tea.Cmd that blocks until the status file changes (with
// debouncing) and yields fsChangeMsg. It yields nil once the watcher is
// closed. A nil receiver returns a nil Cmd.
func (s *statusWatcher) Next() tea.Cmd {
	if s == nil {
		return nil
	}
	return func() tea.Msg {
		debounceTimer := newDebounceTimer()
		defer debounceTimer.Stop()

		for {
			select {
			case event, ok := <-s.w.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != s.name {
					continue
				}
				resetDebounceTimer(debounceTimer)

			case <-debounceTimer.C:
				return fsChangeMsg{}

			case err, ok := <-s.w.Errors:
				if !ok {
					return nil
				}
				log.Printf("fsnotify: watcher error: %v", err)
			}
		}
	}
}

// Close releases the watcher. Safe on nil.
func (s *statusWatcher) Close() error {
	if s == nil {
		return nil
	}
	return s.w.Close()
}

func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	const debounceDuration = 100 * time.Millisecond
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}

// Package watcher turns filesystem changes under each context's watched
// paths into debounced ActivityEvents on a bounded queue. It uses fsnotify
// and falls back to periodic polling when notifications are unavailable.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"loom/pkg/protocol"
)

// Options configures a Watcher. Zero values take the package defaults.
type Options struct {
	Debounce       time.Duration
	QueueCapacity  int
	RescanInterval time.Duration
	ForcePoll      bool
	PollInterval   time.Duration
	Ignore         []string
	Logger         *log.Logger
	Now            func() time.Time

	// Owner, when set, attributes a changed path to a context instead of the
	// registered roots. It returns false for paths nobody owns.
	Owner func(path string) (string, bool)
}

type fileStat struct {
	mod  time.Time
	size int64
	dir  bool
}

// Watcher watches registered roots and attributes each change to the context
// owning the longest matching root.
type Watcher struct {
	opts   Options
	logger *log.Logger
	queue  *EventQueue
	ignore map[string]bool

	mu       sync.Mutex
	roots    map[string]string // root -> context id
	missing  map[string]bool
	warned   map[string]bool
	dirs     map[string]bool
	snapshot map[string]fileStat
	deb      *debouncer
	fsw      *fsnotify.Watcher
	polling  bool
	started  bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Watcher. Call Register and Start to begin watching.
func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = protocol.DefaultDebounce
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = protocol.DefaultQueueCapacity
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = protocol.DefaultRescanInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ignore := make(map[string]bool, len(opts.Ignore))
	for _, name := range opts.Ignore {
		ignore[name] = true
	}
	return &Watcher{
		opts:     opts,
		logger:   logger,
		queue:    NewEventQueue(opts.QueueCapacity, logger),
		ignore:   ignore,
		roots:    make(map[string]string),
		missing:  make(map[string]bool),
		warned:   make(map[string]bool),
		dirs:     make(map[string]bool),
		snapshot: make(map[string]fileStat),
		deb:      newDebouncer(opts.Debounce),
	}
}

// Events returns the queue debounced events are delivered on.
func (w *Watcher) Events() *EventQueue { return w.queue }

// Polling reports whether the watcher is running on the polling fallback.
func (w *Watcher) Polling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.polling
}

// Missing returns registered roots that do not currently exist.
func (w *Watcher) Missing() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.missing))
	for root := range w.missing {
		out = append(out, root)
	}
	return out
}

// Register attributes paths to contextID and starts watching them if the
// watcher is running. Registering the same pair again is a no-op. A path
// that does not exist yet is retried every rescan interval.
func (w *Watcher) Register(contextID string, paths []string) error {
	if contextID == "" {
		return errors.New("register: empty context id")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("register %s: %w", p, err)
		}
		abs = filepath.Clean(abs)
		if owner, ok := w.roots[abs]; ok {
			if owner == contextID {
				continue
			}
			w.logger.Printf("watcher: %s moves from context %s to %s", abs, owner, contextID)
		}
		w.roots[abs] = contextID
		if w.started {
			w.attachLocked(abs, false)
		}
	}
	return nil
}

// Start begins watching. It never fails for missing or unreadable paths;
// those are logged and retried.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if !w.opts.ForcePoll {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Printf("watcher: fsnotify unavailable: %v (falling back to polling every %s)", err, w.opts.PollInterval)
		} else {
			w.fsw = fsw
		}
	}
	w.polling = w.fsw == nil
	w.started = true
	for root := range w.roots {
		w.attachLocked(root, false)
	}
	w.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(loopCtx)
	return nil
}

// Stop ends watching and flushes every pending change onto the queue,
// regardless of the debounce interval. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
		w.mu.Lock()
		pending := w.deb.flushAll()
		if w.fsw != nil {
			err = w.fsw.Close()
			w.fsw = nil
		}
		w.mu.Unlock()
		for _, ev := range pending {
			w.queue.Push(ev)
		}
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	flushEvery := w.opts.Debounce / 4
	if flushEvery < 10*time.Millisecond {
		flushEvery = 10 * time.Millisecond
	}
	if flushEvery > 500*time.Millisecond {
		flushEvery = 500 * time.Millisecond
	}
	flush := time.NewTicker(flushEvery)
	defer flush.Stop()
	rescan := time.NewTicker(w.opts.RescanInterval)
	defer rescan.Stop()

	var pollC <-chan time.Time
	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	w.mu.Lock()
	if w.polling {
		poll := time.NewTicker(w.opts.PollInterval)
		defer poll.Stop()
		pollC = poll.C
	} else {
		fsEvents = w.fsw.Events
		fsErrors = w.fsw.Errors
	}
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			w.handleFSEvent(ev)
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.logger.Printf("watcher: fsnotify error: %v", err)
		case <-pollC:
			w.poll()
		case <-flush.C:
			w.flushDue()
		case <-rescan.C:
			w.rescan()
		}
	}
}

func (w *Watcher) flushDue() {
	w.mu.Lock()
	due := w.deb.due(w.opts.Now())
	w.mu.Unlock()
	for _, ev := range due {
		w.queue.Push(ev)
	}
}

func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Clean(ev.Name)
	if _, isRoot := w.roots[path]; isRoot && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
		w.logger.Printf("watcher: %s disappeared (will retry every %s)", path, w.opts.RescanInterval)
		w.missing[path] = true
		w.forgetDirsLocked(path)
	}

	contextID, ok := w.ownerLocked(path)
	if !ok {
		return
	}

	var kind protocol.EventKind
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		kind = protocol.KindDelete
		w.forgetDirsLocked(path)
	case ev.Has(fsnotify.Create):
		kind = protocol.KindCreate
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.addTreeLocked(path)
		}
	case ev.Has(fsnotify.Write):
		kind = protocol.KindModify
	default:
		return
	}
	w.deb.observe(path, contextID, kind, w.opts.Now())
}

func (w *Watcher) poll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for root := range w.roots {
		if w.missing[root] {
			continue
		}
		if _, err := os.Stat(root); err != nil {
			w.logger.Printf("watcher: %s unavailable: %v (will retry every %s)", root, err, w.opts.RescanInterval)
			w.missing[root] = true
			w.scanLocked(root, true)
			continue
		}
		w.scanLocked(root, true)
	}
}

func (w *Watcher) rescan() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for root := range w.missing {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		w.logger.Printf("watcher: %s is available again", root)
		w.attachLocked(root, false)
	}
}

// attachLocked starts watching root, or marks it missing.
func (w *Watcher) attachLocked(root string, emit bool) {
	info, err := os.Stat(root)
	if err != nil {
		if !w.missing[root] {
			w.logger.Printf("watcher: %s unavailable: %v (will retry every %s)", root, err, w.opts.RescanInterval)
		}
		w.missing[root] = true
		return
	}
	delete(w.missing, root)
	delete(w.warned, root)

	if w.polling {
		w.scanLocked(root, emit)
		return
	}
	if info.IsDir() {
		w.addTreeLocked(root)
		return
	}
	// Single file roots are watched directly.
	if err := w.fsw.Add(root); err != nil {
		w.logger.Printf("watcher: watch %s: %v", root, err)
	}
}

// addTreeLocked adds root and every non-ignored directory below it.
func (w *Watcher) addTreeLocked(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.warnOnceLocked(path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignore[d.Name()] {
			return filepath.SkipDir
		}
		if w.dirs[path] {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			w.warnOnceLocked(path, err)
			return nil
		}
		w.dirs[path] = true
		return nil
	})
}

// scanLocked walks root comparing against the last snapshot. With emit set,
// differences become debounced changes; otherwise the snapshot is just
// refreshed.
func (w *Watcher) scanLocked(root string, emit bool) {
	now := w.opts.Now()
	seen := make(map[string]bool)

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != root {
				w.warnOnceLocked(path, err)
			}
			return nil
		}
		if path == root {
			return nil
		}
		if w.ignore[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		st := fileStat{mod: info.ModTime(), size: info.Size(), dir: d.IsDir()}
		seen[path] = true
		prev, known := w.snapshot[path]
		w.snapshot[path] = st
		if !emit {
			return nil
		}
		contextID, ok := w.ownerLocked(path)
		if !ok {
			return nil
		}
		switch {
		case !known:
			w.deb.observe(path, contextID, protocol.KindCreate, now)
		case !st.dir && (!prev.mod.Equal(st.mod) || prev.size != st.size):
			w.deb.observe(path, contextID, protocol.KindModify, now)
		}
		return nil
	})

	for path := range w.snapshot {
		if path == root || !within(path, root) || seen[path] {
			continue
		}
		delete(w.snapshot, path)
		if !emit {
			continue
		}
		if contextID, ok := w.ownerLocked(path); ok {
			w.deb.observe(path, contextID, protocol.KindDelete, now)
		}
	}
}

func (w *Watcher) forgetDirsLocked(path string) {
	for dir := range w.dirs {
		if within(dir, path) {
			delete(w.dirs, dir)
		}
	}
}

func (w *Watcher) warnOnceLocked(path string, err error) {
	if w.warned[path] {
		return
	}
	w.warned[path] = true
	w.logger.Printf("watcher: skipping %s: %v", path, err)
}

// ownerLocked returns the context owning the longest registered root that
// contains path, ignoring paths under an ignored directory name.
func (w *Watcher) ownerLocked(path string) (string, bool) {
	if w.opts.Owner != nil {
		return w.opts.Owner(path)
	}
	best, bestLen := "", -1
	for root, contextID := range w.roots {
		if !within(path, root) || len(root) <= bestLen {
			continue
		}
		best, bestLen = contextID, len(root)
	}
	if bestLen < 0 {
		return "", false
	}
	for root := range w.roots {
		if !within(path, root) {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
			if w.ignore[part] {
				return "", false
			}
		}
	}
	return best, true
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
